package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// contextKey is an unexported type for context keys defined in this
// package, preventing collisions with keys defined elsewhere.
type contextKey int

const contextKeyAgentName contextKey = iota

// TokenLookup resolves a bearer token to the agent_name it was issued to.
// Satisfied by *registry.Registry; declared locally so this package does
// not need to import registry just for this one method.
type TokenLookup interface {
	LookupByToken(ctx context.Context, token string) (string, bool)
}

// Authenticate validates the "Authorization: Bearer <token>" header against
// lookup, storing the resolved agent_name in the request context on
// success. Unlike the teacher's JWT middleware, there is no token
// expiry or claims payload to parse — a token is either a live credential
// or it isn't (spec §4.7: "resolves the caller's agent_name via
// lookup_by_token").
func Authenticate(lookup TokenLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			agentName, ok := lookup.LookupByToken(r.Context(), parts[1])
			if !ok {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAgentName, agentName)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// agentFromCtx retrieves the caller's agent_name stored by Authenticate.
func agentFromCtx(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(contextKeyAgentName).(string)
	return name, ok
}

// CORS accepts preflight requests unconditionally (spec §6: "CORS
// preflight is accepted") — the hub's callers are trusted integrations
// holding a bearer token, not browser pages needing an origin allowlist.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs every request with method, path, status and latency,
// matching the teacher's RequestLogger middleware.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
