package devapi

import (
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/coursepulse/internal/guard"
	"github.com/wolfeidau/coursepulse/internal/models"
)

type page struct {
	path        string
	title       string
	requirement guard.Requirement
}

var publicPages = []page{
	{path: "/{$}", title: "Course Feedback"},
	{path: "/login", title: "Sign in"},
	{path: "/admin-login", title: "Administrator sign in"},
	{path: "/register", title: "Register"},
}

var gatedPages = []page{
	{path: "/dashboard", title: "Student dashboard", requirement: guard.Authenticated},
	{path: "/faculty/dashboard", title: "Faculty dashboard", requirement: guard.AllowList(models.RoleFaculty)},
	{path: "/admin/dashboard", title: "Admin dashboard", requirement: guard.AdminOnly},
	{path: "/courses", title: "Courses", requirement: guard.Shared},
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<main>
<h1>{{.Title}}</h1>
{{with .Session}}<p>Signed in as {{.DisplayName}} ({{.Role}})</p>{{else}}<p>Not signed in.</p>{{end}}
</main>
</body>
</html>
`))

type pageData struct {
	Title   string
	Session *models.SessionRecord
}

func (s *Server) renderPage(p page) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := guard.SessionFromContext(r.Context())
		if !ok {
			rec, _ = s.SessionOf(r)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := pageTemplate.Execute(w, pageData{Title: p.title, Session: rec}); err != nil {
			log.Error().Err(err).Str("path", p.path).Msg("failed to render page")
		}
	})
}
