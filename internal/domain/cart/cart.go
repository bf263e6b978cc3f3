// Package cart implements the buyer's shopping cart. A Cart is owned by one
// session and handed to whoever needs it; observers subscribe to changes
// explicitly.
package cart

import (
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/xenking/organic-market/internal/domain/product"
)

// Line is one product in the cart. Product is the snapshot taken when the
// product was added; its price is what the buyer pays.
type Line struct {
	Product  product.Product
	Quantity int
}

// Subtotal returns unit price times quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.Product.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Snapshot is the cart state passed to observers.
type Snapshot struct {
	OwnerID string
	// Version increases with every change.
	Version uint64
	Lines   []Line
	Total   decimal.Decimal
	Count   int
}

// Observer receives a Snapshot after every change. It is called without the
// cart lock held.
type Observer func(Snapshot)

// Cart holds the lines of one buyer. It is safe for concurrent use.
type Cart struct {
	ownerID string

	mu        sync.Mutex
	lines     []Line
	version   uint64
	observers map[uint64]Observer
	nextObs   uint64
}

// New creates a cart for ownerID. Lines that the owner may not hold are
// dropped.
func New(ownerID string, lines ...Line) *Cart {
	c := &Cart{
		ownerID:   ownerID,
		observers: make(map[uint64]Observer),
	}
	for _, l := range lines {
		if l.Quantity < 1 || l.Product.SellerID == ownerID {
			continue
		}
		if i := c.index(l.Product.ID); i >= 0 {
			c.lines[i].Quantity += l.Quantity
			continue
		}
		c.lines = append(c.lines, l)
	}
	return c
}

// OwnerID returns the buyer the cart belongs to.
func (c *Cart) OwnerID() string { return c.ownerID }

// index returns the position of productID. Caller holds c.mu.
func (c *Cart) index(productID string) int {
	return slices.IndexFunc(c.lines, func(l Line) bool { return l.Product.ID == productID })
}

// Add puts qty units of p into the cart, merging with an existing line. It
// returns false and leaves the cart unchanged when p is listed by the cart
// owner or qty is not positive.
func (c *Cart) Add(p product.Product, qty int) bool {
	if p.SellerID == c.ownerID || qty < 1 {
		return false
	}

	c.mu.Lock()
	if i := c.index(p.ID); i >= 0 {
		c.lines[i].Quantity += qty
	} else {
		c.lines = append(c.lines, Line{Product: p, Quantity: qty})
	}
	snap, obs := c.changed()
	c.mu.Unlock()

	notify(obs, snap)
	return true
}

// Remove deletes the lines of the given products.
func (c *Cart) Remove(productIDs ...string) {
	c.mu.Lock()
	n := len(c.lines)
	c.lines = slices.DeleteFunc(c.lines, func(l Line) bool {
		return slices.Contains(productIDs, l.Product.ID)
	})
	if len(c.lines) == n {
		c.mu.Unlock()
		return
	}
	snap, obs := c.changed()
	c.mu.Unlock()

	notify(obs, snap)
}

// SetQuantity replaces the quantity of a line. Quantities below one and
// unknown products are ignored.
func (c *Cart) SetQuantity(productID string, qty int) {
	if qty < 1 {
		return
	}

	c.mu.Lock()
	i := c.index(productID)
	if i < 0 || c.lines[i].Quantity == qty {
		c.mu.Unlock()
		return
	}
	c.lines[i].Quantity = qty
	snap, obs := c.changed()
	c.mu.Unlock()

	notify(obs, snap)
}

// Clear empties the cart.
func (c *Cart) Clear() {
	c.mu.Lock()
	if len(c.lines) == 0 {
		c.mu.Unlock()
		return
	}
	c.lines = nil
	snap, obs := c.changed()
	c.mu.Unlock()

	notify(obs, snap)
}

// Lines returns a copy of the cart lines in the order they were added.
func (c *Cart) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.lines)
}

// Total returns the sum of line subtotals.
func (c *Cart) Total() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return total(c.lines)
}

// Count returns the number of units in the cart.
func (c *Cart) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return count(c.lines)
}

// Snapshot returns the current state.
func (c *Cart) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Subscribe registers fn for change notifications. The returned function
// removes it.
func (c *Cart) Subscribe(fn Observer) (unsubscribe func()) {
	c.mu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// changed bumps the version and collects what observers need. Caller holds
// c.mu.
func (c *Cart) changed() (Snapshot, []Observer) {
	c.version++
	obs := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		obs = append(obs, fn)
	}
	return c.snapshot(), obs
}

func (c *Cart) snapshot() Snapshot {
	return Snapshot{
		OwnerID: c.ownerID,
		Version: c.version,
		Lines:   slices.Clone(c.lines),
		Total:   total(c.lines),
		Count:   count(c.lines),
	}
}

func notify(obs []Observer, snap Snapshot) {
	for _, fn := range obs {
		fn(snap)
	}
}

func total(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Subtotal())
	}
	return sum
}

func count(lines []Line) int {
	var n int
	for _, l := range lines {
		n += l.Quantity
	}
	return n
}
