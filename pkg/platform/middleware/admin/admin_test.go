package admin

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doccontrol/pkg/platform/audit"
)

type recordingSecurity struct {
	events []audit.SecurityEvent
}

func (r *recordingSecurity) Emit(_ context.Context, event audit.SecurityEvent) {
	r.events = append(r.events, event)
}

func TestRequireAdminToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name     string
		expected string
		sent     string
		want     int
		reason   string
	}{
		{"matching token", "s3cret", "s3cret", http.StatusNoContent, ""},
		{"wrong token", "s3cret", "guess", http.StatusUnauthorized, "admin token mismatch"},
		{"missing token", "s3cret", "", http.StatusUnauthorized, "admin token missing"},
		{"admin disabled", "", "", http.StatusUnauthorized, "admin token missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/admin/scheduler/run", nil)
			if tt.sent != "" {
				r.Header.Set("X-Admin-Token", tt.sent)
			}
			w := httptest.NewRecorder()
			security := &recordingSecurity{}
			RequireAdminToken(tt.expected, logger, WithSecurityPublisher(security))(ok).ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)

			if tt.reason == "" {
				assert.Empty(t, security.events)
				return
			}
			require.Len(t, security.events, 1)
			assert.Equal(t, string(audit.EventAdminTokenRejected), security.events[0].Action)
			assert.Equal(t, tt.reason, security.events[0].Reason)
			assert.Equal(t, "/admin/scheduler/run", security.events[0].Subject)
		})
	}

	t.Run("no publisher", func(t *testing.T) {
		w := httptest.NewRecorder()
		RequireAdminToken("s3cret", logger)(ok).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
