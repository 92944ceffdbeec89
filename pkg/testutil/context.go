package testutil

import (
	"net/http"

	id "doccontrol/pkg/domain"
	"doccontrol/pkg/requestcontext"
)

// AsUser sets what the auth middleware would for an authenticated request.
func AsUser(req *http.Request, userID id.UserID, roles ...string) *http.Request {
	ctx := requestcontext.WithUserID(req.Context(), userID)
	ctx = requestcontext.WithRoles(ctx, roles)
	return req.WithContext(ctx)
}
