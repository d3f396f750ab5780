package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/dgellow/contentdesk/internal/autherr"
	"github.com/dgellow/contentdesk/internal/cookie"
	jsonwriter "github.com/dgellow/contentdesk/internal/json"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/session"
)

// Gate decisions
const (
	DecisionPublic       = "public"
	DecisionPass         = "pass"
	DecisionRedirect     = "redirect"
	DecisionUnauthorized = "unauthorized"
)

// SignInPath is where unauthenticated browsers are sent
const SignInPath = "/signin"

// DefaultPublicPrefixes are reachable without a session. A prefix ending in
// "/" matches everything below it; any other prefix matches itself and its
// subpaths.
var DefaultPublicPrefixes = []string{
	"/auth/",
	SignInPath,
	"/static/",
	"/legal/",
	"/health",
	"/favicon.ico",
}

// GateObserver counts gate decisions
type GateObserver interface {
	RecordGateDecision(decision string)
}

// RouteGate is the perimeter in front of every handler. A request either
// hits a public prefix or carries a credential the verifier accepts;
// everything else is turned away.
type RouteGate struct {
	verifier *session.Verifier
	jar      *cookie.Jar
	public   []string
	observer GateObserver
}

// NewRouteGate creates the gate middleware. extraPublic is appended to
// DefaultPublicPrefixes. observer may be nil.
func NewRouteGate(verifier *session.Verifier, jar *cookie.Jar, extraPublic []string, observer GateObserver) MiddlewareFunc {
	g := &RouteGate{
		verifier: verifier,
		jar:      jar,
		public:   append(append([]string{}, DefaultPublicPrefixes...), extraPublic...),
		observer: observer,
	}
	return g.Middleware
}

// IsPublic reports whether path is on the allow-list
func (g *RouteGate) IsPublic(path string) bool {
	for _, prefix := range g.public {
		if matchPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func matchPrefix(path, prefix string) bool {
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func (g *RouteGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.IsPublic(r.URL.Path) {
			g.record(DecisionPublic)
			next.ServeHTTP(w, r)
			return
		}

		result, err := g.verifier.VerifyRequest(r)
		if err == nil {
			g.record(DecisionPass)
			next.ServeHTTP(w, r.WithContext(session.WithIdentity(r.Context(), result.Identity)))
			return
		}

		// A dead cookie is dropped so the next request does not hit the
		// provider again with it
		if result.Source == session.SourceCookie {
			g.jar.ClearSession(w)
		}

		if result.Source == session.SourceBearer || wantsJSON(r) {
			g.record(DecisionUnauthorized)
			jsonwriter.WriteUnauthorized(w, autherr.ReasonUnauthenticated, autherr.Message(autherr.ReasonUnauthenticated))
			return
		}

		g.record(DecisionRedirect)
		log.LogTraceWithFields("gate", "Redirecting to sign-in", map[string]any{
			"path":   r.URL.Path,
			"source": result.Source,
		})
		http.Redirect(w, r, SignInURL(returnTarget(r), ""), http.StatusFound)
	})
}

func (g *RouteGate) record(decision string) {
	if g.observer != nil {
		g.observer.RecordGateDecision(decision)
	}
}

// wantsJSON reports whether the caller is an API client rather than a
// browser navigation
func wantsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

// returnTarget is the path a browser should come back to after signing in.
// Only safe methods are replayed.
func returnTarget(r *http.Request) string {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return ""
	}
	return r.URL.RequestURI()
}

// SignInURL builds the sign-in page URL with an optional return path and
// reason code
func SignInURL(next, reason string) string {
	q := url.Values{}
	if next != "" && next != "/" {
		q.Set("next", next)
	}
	if reason != "" {
		q.Set("reason", reason)
	}
	if len(q) == 0 {
		return SignInPath
	}
	return SignInPath + "?" + q.Encode()
}
