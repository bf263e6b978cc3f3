package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/organic-market/internal/domain/checkout"
	"github.com/xenking/organic-market/internal/domain/notification"
	"github.com/xenking/organic-market/internal/domain/order"
	"github.com/xenking/organic-market/internal/domain/product"
	"github.com/xenking/organic-market/internal/domain/user"
	"github.com/xenking/organic-market/pkg/httpmiddleware"
)

// Error is the body of every non-2xx response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, Error{Code: code, Message: message})
}

const maxBodyBytes = 1 << 20

// decode reads a JSON body into v. On failure it writes the response and
// returns false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}

// statusOf maps domain errors to HTTP status codes. Unknown errors are 500.
func statusOf(err error) int {
	var (
		invalidQty *checkout.InvalidQuantityError
		notFound   *checkout.ProductNotFoundError
		selfBuy    *checkout.SelfPurchaseError
		outOfStock *checkout.StockInsufficientError
	)
	switch {
	case errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, order.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, product.ErrNotFound),
		errors.Is(err, notification.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &selfBuy),
		errors.As(err, &outOfStock),
		errors.Is(err, order.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &invalidQty),
		errors.As(err, &notFound):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err. Server errors are logged and their text is not exposed.
func fail(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		zctx.From(ctx).Error("Request failed", zap.Error(err))
		writeError(w, code, http.StatusText(code))
		return
	}
	writeError(w, code, err.Error())
}

// caller returns the profile of the authenticated user. Users without a
// stored profile are built from the token claims.
func (h *Handler) caller(ctx context.Context) (user.User, error) {
	id, ok := httpmiddleware.IdentityFromContext(ctx)
	if !ok {
		return user.User{}, errors.New("no identity in context")
	}
	u, err := h.users.GetByID(ctx, id.UserID)
	switch {
	case err == nil:
		return *u, nil
	case errors.Is(err, user.ErrNotFound):
		return user.User{ID: id.UserID, Name: id.Name, Role: user.Role(id.Role)}, nil
	default:
		return user.User{}, errors.Wrap(err, "load profile")
	}
}

func (h *Handler) callerID(r *http.Request) string {
	id, _ := httpmiddleware.IdentityFromContext(r.Context())
	return id.UserID
}
