// Package admin guards operator endpoints such as the manual run trigger.
package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"

	"userpipe/pkg/platform/httputil"
)

// HeaderName carries the operator token. A bearer Authorization header is
// accepted as well.
const HeaderName = "X-Admin-Token"

// RequireAdminToken rejects requests that do not present expectedToken.
// An empty expectedToken disables the check.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expectedToken == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := tokenFrom(r)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(expectedToken)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token rejected",
					"request_id", chimw.GetReqID(ctx),
					"method", r.Method,
					"path", r.URL.Path,
					"token_present", presented != "",
				)
				httputil.WriteError(w, httputil.Unauthorized("admin token required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenFrom(r *http.Request) string {
	if token := r.Header.Get(HeaderName); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
