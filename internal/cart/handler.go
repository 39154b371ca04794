// internal/cart/handler.go
package cart

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"storefront/internal/storage/cookie"
)

// SessionCookie names the cookie carrying the shopper's session id.
const SessionCookie = "sid"

type HandlerConfig struct {
	// RateLimit is the sustained request rate; zero disables limiting.
	RateLimit     rate.Limit
	Burst         int
	SecureCookies bool
	Logger        *zap.Logger
}

type Handler struct {
	sessions *Sessions
	limiter  *rate.Limiter
	secure   bool
	logger   *zap.Logger
}

func NewHandler(sessions *Sessions, cfg HandlerConfig) *Handler {
	limit, burst := cfg.RateLimit, cfg.Burst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		limiter:  rate.NewLimiter(limit, burst),
		secure:   cfg.SecureCookies,
		logger:   logger,
	}
}

// Routes builds the storefront router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.rateLimit)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/cart", func(r chi.Router) {
		r.Use(h.session)

		r.Get("/", h.handleGetCart)
		r.Delete("/", h.handleClearCart)
		r.Get("/total", h.handleTotal)
		r.Get("/errors", h.handleErrors)
		r.Post("/items", h.handleAddItem)
		r.Get("/items/{id}", h.handleGetItem)
		r.Patch("/items/{id}", h.handleUpdateQuantity)
		r.Delete("/items/{id}", h.handleRemoveItem)
	})
	return r
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// session resolves the shopper's session, puts its store in the request
// context and flushes its cookie jar before the response is written.
func (h *Handler) session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sid string
		if c, err := r.Cookie(SessionCookie); err == nil {
			if _, err := uuid.Parse(c.Value); err == nil {
				sid = c.Value
			}
		}
		if sid == "" {
			sid = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    sid,
				Path:     "/",
				HttpOnly: true,
				Secure:   h.secure,
				SameSite: http.SameSiteStrictMode,
			})
		}

		sess, err := h.sessions.Open(r.Context(), sid, r)
		if err != nil {
			h.logger.Error("open session", zap.String("session", sid), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "SESSION_ERROR", "session unavailable")
			return
		}

		cw := &cookieWriter{ResponseWriter: w, jar: sess.Jar}
		next.ServeHTTP(cw, r.WithContext(WithStore(r.Context(), sess.Store)))
		if !cw.wroteHeader {
			sess.Jar.Flush(w)
		}
	})
}

// cookieWriter flushes the jar right before the status line goes out.
type cookieWriter struct {
	http.ResponseWriter
	jar         *cookie.Jar
	wroteHeader bool
}

func (w *cookieWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.jar.Flush(w.ResponseWriter)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *cookieWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// cart returns the ready store of the request.
func (h *Handler) cart(w http.ResponseWriter, r *http.Request) (Service, bool) {
	svc, err := FromContext(r.Context())
	if err != nil {
		h.logger.Error("cart unavailable", zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(KindContext), err.Error())
		return nil, false
	}
	if err := svc.WaitReady(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "cart is still loading")
		return nil, false
	}
	return svc, true
}

func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.cart(w, r)
	if !ok {
		return
	}

	snap := svc.Snapshot()
	etag := `"` + Fingerprint(snap.Items) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.cart(w, r)
	if !ok {
		return
	}
	if err := svc.ClearCart(r.Context()); err != nil {
		h.writeCartError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc.Snapshot())
}

func (h *Handler) handleTotal(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.cart(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":          svc.CalculateTotal(),
		"totalItemCount": svc.TotalItemCount(),
	})
}

func (h *Handler) handleErrors(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.cart(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": svc.Errors()})
}

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.cart(w, r)
	if !ok {
		return
	}

	var p Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if err := svc.AddToCart(r.Context(), &p); err != nil {
		h.writeCartError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc.Snapshot())
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.cart(w, r)
	if !ok {
		return
	}
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"inCart":   svc.IsInCart(id),
		"quantity": svc.GetItemQuantity(id),
	})
}

func (h *Handler) handleUpdateQuantity(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.cart(w, r)
	if !ok {
		return
	}
	id, ok := itemID(w, r)
	if !ok {
		return
	}

	var req struct {
		Quantity json.Number `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	quantity, err := strconv.Atoi(req.Quantity.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, string(KindValidation), "quantity must be an integer")
		return
	}

	if err := svc.UpdateQuantity(r.Context(), id, quantity); err != nil {
		h.writeCartError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc.Snapshot())
}

func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.cart(w, r)
	if !ok {
		return
	}
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := svc.RemoveFromCart(r.Context(), id); err != nil {
		h.writeCartError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc.Snapshot())
}

func itemID(w http.ResponseWriter, r *http.Request) (ProductID, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || isBlank(ProductID(raw)) {
		writeError(w, http.StatusBadRequest, string(KindValidation), "invalid product id")
		return "", false
	}
	return ProductID(raw), true
}

func (h *Handler) writeCartError(w http.ResponseWriter, err error) {
	var ce *Error
	switch {
	case errors.As(err, &ce) && ce.Kind == KindValidation:
		writeError(w, http.StatusBadRequest, string(ce.Kind), ce.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusInternalServerError, string(ce.Kind), ce.Error())
	default:
		h.logger.Warn("cart request aborted", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"kind": kind, "message": msg},
	})
}
