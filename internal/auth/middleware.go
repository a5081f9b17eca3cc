package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/httputil"
)

// Middleware returns a chi middleware that authenticates requests via Bearer token.
func Middleware(store KeyStore, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get(httputil.HeaderRequestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteAuthError(w, reqID, "Missing Authorization header. Use: Authorization: Bearer <api-key>")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				httputil.WriteAuthError(w, reqID, "Invalid Authorization format. Use: Authorization: Bearer <api-key>")
				return
			}
			if token == "" {
				httputil.WriteAuthError(w, reqID, "Empty API key")
				return
			}

			meta, err := store.Lookup(r.Context(), HashKey(token))
			if err != nil {
				logger.Error("key lookup failed",
					zap.String("request_id", reqID),
					zap.String("key_prefix", KeyPrefix(token)),
					zap.Error(err),
				)
				httputil.WriteInternalError(w, reqID, "Internal error during authentication")
				return
			}
			if meta == nil {
				logger.Warn("auth failed: key not found",
					zap.String("request_id", reqID),
					zap.String("key_prefix", KeyPrefix(token)),
				)
				httputil.WriteAuthError(w, reqID, "Invalid API key")
				return
			}

			info := &AuthInfo{
				KeyID:                meta.ID,
				Name:                 meta.Name,
				Owner:                meta.Owner,
				RPMLimit:             meta.RPMLimit,
				DailyGenerationLimit: meta.DailyGenerationLimit,
			}
			next.ServeHTTP(w, r.WithContext(ContextWithAuth(r.Context(), info)))
		})
	}
}
