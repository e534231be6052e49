package guard

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/coursepulse/internal/models"
)

type contextKey string

const sessionContextKey contextKey = "session"

// SessionSource resolves the session attached to a request.
type SessionSource func(r *http.Request) (*models.SessionRecord, bool)

// Middleware enforces req on every request, redirecting with 302 when the
// decision is not Render. Rendered requests carry the session in their context.
func Middleware(source SessionSource, req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec, ok := source(r)
			if !ok {
				rec = nil
			}

			decision := Evaluate(rec, req)
			if decision.Kind != Render {
				log.Debug().
					Str("path", r.URL.Path).
					Str("requirement", req.String()).
					Str("decision", decision.Kind.String()).
					Msg("Route guard redirecting")
				http.Redirect(w, r, decision.Path(), http.StatusFound)
				return
			}

			if rec != nil {
				r = r.WithContext(context.WithValue(r.Context(), sessionContextKey, rec))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionFromContext extracts the session stored by Middleware.
func SessionFromContext(ctx context.Context) (*models.SessionRecord, bool) {
	rec, ok := ctx.Value(sessionContextKey).(*models.SessionRecord)
	return rec, ok
}
