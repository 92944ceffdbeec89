package metadata

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"doccontrol/pkg/requestcontext"
)

// ClientMetadata records the client IP, raw User-Agent and a parsed
// workstation label ("Firefox/Linux") in the request context. Ledger and
// audit events copy these so a reviewer can tell where a signature came from.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := r.Header.Get("User-Agent")
		ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r), ua, Workstation(ua))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Workstation condenses a User-Agent into browser and platform.
func Workstation(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	ua := useragent.New(userAgent)
	if ua.Bot() {
		return "bot"
	}
	browser, _ := ua.Browser()
	os := ua.OS()
	if ua.Mobile() {
		os += " (mobile)"
	}
	switch {
	case browser == "" && os == "":
		return "unknown"
	case browser == "":
		return os
	case os == "":
		return browser
	}
	return browser + "/" + os
}

// ClientIPFromRequest extracts the real client IP from the request, handling proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs (client, proxy1, proxy2, ...)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return strings.Trim(addr[:idx], "[]")
		}
		return addr
	}
	return "unknown"
}
