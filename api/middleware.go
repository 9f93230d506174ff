package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// =============================================================================
// ACTOR CONTEXT
// =============================================================================
//
// Authentication happens upstream. The gateway forwards the authenticated
// user in X-User-ID / X-User-Role; handlers only authorize by role.

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleCashier     Role = "cashier"
	RoleMeterReader Role = "meter_reader"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Actor is the authenticated user behind a request.
type Actor struct {
	ID   string
	Role Role
}

type actorKey struct{}

// ActorFrom returns the request's actor. The zero Actor means anonymous.
func ActorFrom(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}

// WithActor stores a in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorMiddleware copies the forwarded identity headers into the context.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := Actor{ID: r.Header.Get(HeaderUserID), Role: Role(r.Header.Get(HeaderUserRole))}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a)))
	})
}

// RequireRole rejects anonymous requests with 401 and requests from any
// other role with 403.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := ActorFrom(r.Context())
			if a.ID == "" {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Authentication required", Code: "unauthenticated"})
				return
			}
			if !lo.Contains(roles, a.Role) {
				writeJSON(w, http.StatusForbidden, ErrorResponse{
					Error:   "Forbidden",
					Code:    "forbidden",
					Details: map[string]any{"role": a.Role, "allowed": roles},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// REQUEST LOGGING
// =============================================================================

// RequestLogger logs one structured line per request.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Int64("latency_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if a := ActorFrom(r.Context()); a.ID != "" {
				fields = append(fields, zap.String("actor_id", a.ID))
			}

			switch {
			case ww.Status() >= http.StatusInternalServerError:
				log.Error("request", fields...)
			case ww.Status() >= http.StatusBadRequest:
				log.Warn("request", fields...)
			default:
				log.Info("request", fields...)
			}
		})
	}
}
