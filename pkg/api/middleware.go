package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/roastops/company-kernel/pkg/auth"
	"github.com/roastops/company-kernel/pkg/governance"
	"github.com/roastops/company-kernel/pkg/ratelimit"
)

type requestIDKey struct{}

// RequestID injects an X-Request-ID into the context and response,
// reusing the client's id when one is sent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request id from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// CORS handles cross-origin requests. An empty origin list allows all
// origins (development mode).
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && originAllowed(origin, allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Actor-Id, X-Actor-Kind, X-Org-Id")
			w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// publicPaths require no authentication.
var publicPaths = map[string]bool{
	"/health":    true,
	"/readiness": true,
}

// Authenticate resolves the actor for every request. Dev mode trusts the
// X-Actor-* headers; external mode requires a bearer JWT. Either way the
// request proceeds only with an actor in context.
func Authenticate(mode string, validator *auth.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			var actor auth.Actor
			switch mode {
			case auth.ModeExternal:
				header := r.Header.Get("Authorization")
				if header == "" {
					WriteUnauthorized(w, "missing Authorization header")
					return
				}
				parts := strings.SplitN(header, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					WriteUnauthorized(w, "expected 'Bearer <token>'")
					return
				}
				if validator == nil {
					WriteUnauthorized(w, "authentication not configured")
					return
				}
				a, err := validator.Validate(parts[1])
				if err != nil {
					WriteUnauthorized(w, "invalid or expired token")
					return
				}
				actor = a

			default:
				// Dev mode: identity from headers, anonymous user fallback.
				actor = auth.Actor{
					ID:    r.Header.Get("X-Actor-Id"),
					Kind:  governance.ActorKind(r.Header.Get("X-Actor-Kind")),
					OrgID: r.Header.Get("X-Org-Id"),
				}
				if actor.ID == "" {
					actor.ID = "dev-user"
				}
				switch actor.Kind {
				case governance.ActorUser, governance.ActorAgent, governance.ActorSystem:
				case "":
					actor.Kind = governance.ActorUser
				default:
					WriteBadRequest(w, "unknown X-Actor-Kind")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
		})
	}
}

// Backpressure sheds request load per actor at the HTTP edge. This is
// distinct from mission admission limiting: a shed request was never
// accepted, while a rate-limited mission is accepted as RETRY.
func Backpressure(store ratelimit.BackpressureStore, policy ratelimit.BackpressurePolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || policy.RPM <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if a, err := auth.ActorFrom(r.Context()); err == nil {
				actorID = a.OrgID + "/" + a.ID
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				// A broken limiter must not take the API down.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				WriteTooManyRequests(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
