package server

import (
	"context"
	"net/http"
	"strings"
)

// UserIDHeader carries the caller's identity, resolved by the auth proxy in
// front of the api.
const UserIDHeader = "X-User-Id"

type contextKey string

const userIDContextKey contextKey = "user_id"

func setRequestUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// getRequestUser returns the caller's id, empty for anonymous requests.
func getRequestUser(req *http.Request) string {
	userID, _ := req.Context().Value(userIDContextKey).(string)
	return userID
}

func extractUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := strings.TrimSpace(r.Header.Get(UserIDHeader)); userID != "" {
			r = r.WithContext(setRequestUser(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}
