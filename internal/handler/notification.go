package handler

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xenking/organic-market/internal/domain/notification"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Notification is the API view of an inbox message.
type Notification struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Category  string            `json:"category"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"createdAt"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// InboxFrame is one websocket message of the notification feed.
type InboxFrame struct {
	Unread        int            `json:"unread"`
	Notifications []Notification `json:"notifications"`
}

func toNotifications(ns []notification.Notification) []Notification {
	out := make([]Notification, len(ns))
	for i, n := range ns {
		out[i] = Notification{
			ID:        n.ID,
			Title:     n.Title,
			Body:      n.Body,
			Category:  string(n.Category),
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
			Payload:   n.Payload,
		}
	}
	return out
}

func toFrame(ns []notification.Notification) InboxFrame {
	f := InboxFrame{Notifications: toNotifications(ns)}
	for _, n := range ns {
		if !n.Read {
			f.Unread++
		}
	}
	return f
}

func (h *Handler) limit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > h.inboxLimit {
		return h.inboxLimit
	}
	return n
}

// ListNotifications returns the caller's inbox, newest first.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ns, err := h.inbox.ListByRecipient(r.Context(), h.callerID(r), h.limit(r))
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotifications(ns))
}

// UnreadCount returns how many notifications the caller has not read.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.inbox.UnreadCount(r.Context(), h.callerID(r))
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// MarkRead marks one notification as read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.inbox.MarkRead(r.Context(), h.callerID(r), chi.URLParam(r, "id")); err != nil {
		fail(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead marks the whole inbox as read.
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.inbox.MarkAllRead(r.Context(), h.callerID(r))
	if err != nil {
		fail(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// StreamNotifications upgrades to a websocket and pushes the caller's inbox
// every time it changes. The first frame is the current inbox.
func (h *Handler) StreamNotifications(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())
	recipient := h.callerID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response.
		lg.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(h.streams, cancel)()

	// The client sends nothing; reading detects close and handles pongs.
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	feed, err := h.inbox.Watch(ctx, recipient, h.inboxLimit)
	if err != nil {
		lg.Error("Watch inbox", zap.Error(err))
		closeWith(conn, websocket.CloseInternalServerErr, "inbox unavailable")
		return
	}

	frames := make(chan InboxFrame)
	errs := make(chan error, 1)
	go func() {
		defer close(frames)
		for ns, err := range feed {
			if err != nil {
				errs <- err
				return
			}
			select {
			case frames <- toFrame(ns):
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				select {
				case err := <-errs:
					lg.Error("Inbox feed failed", zap.Error(err))
					closeWith(conn, websocket.CloseInternalServerErr, "inbox unavailable")
				default:
				}
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				lg.Debug("Write inbox frame", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// CloseStreams ends every open notification feed. The server does not track
// hijacked connections, so call it on shutdown.
func (h *Handler) CloseStreams() {
	h.stopStreams()
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// originChecker accepts handshakes whose Origin host is listed. An empty list
// or "*" accepts any origin.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
