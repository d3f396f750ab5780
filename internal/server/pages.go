package server

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"

	"github.com/dgellow/contentdesk/internal/autherr"
	jsonwriter "github.com/dgellow/contentdesk/internal/json"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/session"
	"github.com/dgellow/contentdesk/internal/urlutil"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

var pageTemplates = map[string]*template.Template{
	"signin":  parsePage("signin.html"),
	"home":    parsePage("home.html"),
	"privacy": parsePage("privacy.html"),
	"terms":   parsePage("terms.html"),
}

func parsePage(name string) *template.Template {
	return template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/"+name))
}

// SignInPageData represents the data for the sign-in page
type SignInPageData struct {
	Title        string
	Message      string
	StartURL     string
	ProviderName string
}

// HomePageData represents the data for the home page
type HomePageData struct {
	Title      string
	Email      string
	Name       string
	PictureURL string
}

// PageHandlers serves the HTML pages and the identity API
type PageHandlers struct {
	providerName string
}

// NewPageHandlers creates the page handlers. providerName is shown on the
// sign-in button.
func NewPageHandlers(providerName string) *PageHandlers {
	return &PageHandlers{providerName: providerName}
}

func render(w http.ResponseWriter, name string, data any) {
	var buf bytes.Buffer
	if err := pageTemplates[name].ExecuteTemplate(&buf, name+".html", data); err != nil {
		log.LogErrorWithFields("pages", "Failed to render page", map[string]any{
			"page":  name,
			"error": err.Error(),
		})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = buf.WriteTo(w)
}

// SignInHandler renders the sign-in page. Only known reason codes are
// turned into a message, and next is forwarded only when it is a safe path.
func (h *PageHandlers) SignInHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start := "/auth/start"
	if next, ok := urlutil.SafeReturnPath(q.Get("next")); ok {
		start += "?" + url.Values{"next": {next}}.Encode()
	}

	data := SignInPageData{
		Title:        "Sign in",
		StartURL:     start,
		ProviderName: h.providerName,
	}
	if reason := q.Get("reason"); autherr.IsKnownReason(reason) {
		data.Message = autherr.Message(reason)
	}
	render(w, "signin", data)
}

// HomeHandler renders the signed-in landing page
func (h *PageHandlers) HomeHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := session.IdentityFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, SignInURL(r.URL.RequestURI(), ""), http.StatusFound)
		return
	}
	render(w, "home", HomePageData{
		Title:      "Home",
		Email:      identity.Email,
		Name:       identity.Name,
		PictureURL: identity.PictureURL,
	})
}

// MeHandler returns the identity of the verified caller
func (h *PageHandlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := session.IdentityFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, autherr.ReasonUnauthenticated, autherr.Message(autherr.ReasonUnauthenticated))
		return
	}
	_ = jsonwriter.Write(w, identity)
}

// LegalHandler renders a static legal page
func (h *PageHandlers) LegalHandler(page, title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render(w, page, struct{ Title string }{title})
	}
}

// StaticHandler serves the embedded assets under /static/
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServerFS(sub))
}
