package admin

import (
	"context"
	"log/slog"
	"net/http"

	id "vetting/pkg/domain"
	"vetting/pkg/requestcontext"
)

// Directory answers whether a user holds the admin capability.
type Directory interface {
	IsAdmin(ctx context.Context, userID id.UserID) (bool, error)
}

// RequireAdmin lets the request through only for users the directory marks
// as admins. It must run after the auth middleware.
func RequireAdmin(directory Directory, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)
			userID := requestcontext.UserID(ctx)

			if userID.IsNil() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"authentication required"}`))
				return
			}

			ok, err := directory.IsAdmin(ctx, userID)
			if err != nil {
				logger.ErrorContext(ctx, "admin lookup failed",
					"request_id", requestID,
					"user_id", userID,
					"error", err,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal_error"}`))
				return
			}
			if !ok {
				logger.WarnContext(ctx, "admin route refused",
					"request_id", requestID,
					"user_id", userID,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden","error_description":"admin capability required"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
