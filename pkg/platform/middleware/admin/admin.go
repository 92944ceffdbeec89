package admin

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"doccontrol/pkg/platform/audit"
	"doccontrol/pkg/platform/httputil"
	"doccontrol/pkg/requestcontext"
)

// SecurityPublisher receives rejected admin requests.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

type Option func(*guard)

// WithSecurityPublisher raises an alert for every rejected token.
func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(g *guard) { g.security = p }
}

type guard struct {
	security SecurityPublisher
}

// RequireAdminToken guards operator endpoints. An empty expected token
// disables them entirely.
func RequireAdminToken(expectedToken string, logger *slog.Logger, opts ...Option) func(http.Handler) http.Handler {
	g := &guard{}
	for _, opt := range opts {
		opt(g)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Admin-Token")
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
					"ip", requestcontext.ClientIP(ctx),
				)
				if g.security != nil {
					reason := "admin token mismatch"
					if token == "" {
						reason = "admin token missing"
					}
					g.security.Emit(ctx, audit.SecurityEvent{
						Timestamp: requestcontext.Now(ctx),
						Subject:   r.URL.Path,
						Action:    string(audit.EventAdminTokenRejected),
						Reason:    reason,
						IP:        requestcontext.ClientIP(ctx),
						RequestID: requestcontext.RequestID(ctx),
						Severity:  audit.SeverityWarning,
					})
				}
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{
					Error:            "unauthorized",
					ErrorDescription: "admin token required",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
