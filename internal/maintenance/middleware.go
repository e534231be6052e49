package maintenance

import (
	"html/template"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/coursepulse/internal/models"
)

var noticeTemplate = template.Must(template.New("maintenance").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Down for maintenance</title></head>
<body>
<main>
<h1>We'll be right back</h1>
<p>Course feedback is down for scheduled maintenance. This page will refresh in {{.}} seconds.</p>
</main>
</body>
</html>
`))

// RoleFunc resolves the role of the visitor making a request, "" when anonymous.
type RoleFunc func(r *http.Request) models.Role

// Middleware replaces every response with the gate's verdict: nothing while the
// first fetch is pending, the notice during maintenance, otherwise next.
func Middleware(gate *Gate, roleOf RoleFunc) func(http.Handler) http.Handler {
	retryAfter := int(gate.Interval().Seconds())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch gate.Decide(roleOf(r)) {
			case Pending:
				w.WriteHeader(http.StatusNoContent)
			case RenderNotice:
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.WriteHeader(http.StatusServiceUnavailable)
				if err := noticeTemplate.Execute(w, retryAfter); err != nil {
					log.Error().Err(err).Msg("failed to render maintenance notice")
				}
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
