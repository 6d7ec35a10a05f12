package main

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/mnehpets/scaffoldauth/auth"
	"github.com/mnehpets/scaffoldauth/client"
	"github.com/mnehpets/scaffoldauth/config"
	"github.com/mnehpets/scaffoldauth/endpoint"
	"github.com/mnehpets/scaffoldauth/middleware"
	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newWebCmd(v *viper.Viper) *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "web",
		Short: "Serve the front end: callback page, session status and an /api proxy to the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWeb(v)
			if err != nil {
				return err
			}
			logger := log.StandardLogger()
			if err := cfg.Log.Apply(logger); err != nil {
				return err
			}
			return runWeb(cmd.Context(), cfg, open, logger)
		},
	}
	f := cmd.Flags()
	f.Int("web-port", 0, "listen port (WEB_PORT, default 8080)")
	f.String("backend-url", "", "backend base URL (BACKEND_URL, default http://localhost:3000)")
	f.String("auth-state-file", "", "file holding the signed-in session (AUTH_STATE_FILE)")
	f.String("auth-base-path", "", "backend mount point of the login endpoints (AUTH_BASE_PATH, default /api/auth/github)")
	f.BoolVar(&open, "open", false, "open the front end in a browser")
	return cmd
}

func runWeb(ctx context.Context, cfg *config.Web, open bool, logger *log.Logger) error {
	storage, err := client.NewFileStorage(cfg.StateFile)
	if err != nil {
		return err
	}
	state := client.NewAuthState(ctx, storage,
		client.WithStateLogger(logger),
		client.WithLoginURL(cfg.AuthBasePath),
	)
	state.Subscribe(func(s *client.Session) {
		if s == nil {
			logger.Info("signed out")
			return
		}
		logger.WithField("login", s.User.Login).Info("signed in")
	})

	app, err := newWebApp(cfg.BackendURL, state, logger, withAuthBasePath(cfg.AuthBasePath))
	if err != nil {
		return err
	}

	srv := newServer(fmt.Sprintf(":%d", cfg.Port), app)
	if open {
		go func() {
			if err := browser.OpenURL(fmt.Sprintf("http://localhost:%d/", cfg.Port)); err != nil {
				logger.WithError(err).Warn("failed to open browser")
			}
		}()
	}
	return listenAndServe(ctx, srv, logger)
}

// webApp stands in for the browser application shell.
type webApp struct {
	mux        *http.ServeMux
	backendURL string
	basePath   string
	state      *client.AuthState
	proxy      *endpoint.ProxyRenderer
	httpClient *http.Client
	logger     log.FieldLogger
}

// webOption configures a webApp.
type webOption func(*webApp)

// withBackendClient sets the client used for code exchange calls.
func withBackendClient(c *http.Client) webOption {
	return func(a *webApp) {
		a.httpClient = c
	}
}

// withAuthBasePath sets where the backend mounts its login endpoints. The
// path is proxied even when it lies outside /api/.
func withAuthBasePath(p string) webOption {
	return func(a *webApp) {
		if p != "" {
			a.basePath = p
		}
	}
}

func newWebApp(backendURL string, state *client.AuthState, logger log.FieldLogger, opts ...webOption) (*webApp, error) {
	proxy, err := endpoint.NewProxyRenderer(backendURL)
	if err != nil {
		return nil, err
	}
	a := &webApp{
		mux:        http.NewServeMux(),
		backendURL: backendURL,
		basePath:   auth.DefaultBasePath,
		state:      state,
		proxy:      proxy,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(a)
	}

	reqLog := middleware.NewRequestLogger(logger)
	pages := []endpoint.Processor{reqLog, middleware.NewWebSecurityHeadersProcessor()}
	forms := []endpoint.Processor{reqLog, middleware.NewWebSecurityHeadersProcessor(), middleware.NewCrossOriginProcessor()}

	api := endpoint.Handler(a.api, reqLog)
	a.mux.Handle("/api/", api)
	if a.basePath != "/api" && !strings.HasPrefix(a.basePath, "/api/") {
		a.mux.Handle(a.basePath, api)
		a.mux.Handle(a.basePath+"/", api)
	}
	a.mux.Handle("GET "+config.CallbackPath, endpoint.Handler(a.callback, pages...))
	a.mux.Handle("GET /{$}", endpoint.Handler(a.home, pages...))
	a.mux.Handle("POST /logout", endpoint.Handler(a.logout, forms...))
	a.mux.Handle("POST /reauth", endpoint.Handler(a.reauth, forms...))
	return a, nil
}

func (a *webApp) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *webApp) api(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return a.proxy, nil
}

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{if .Refresh}}<meta http-equiv="refresh" content="{{.Delay}};url={{.Refresh}}">{{end}}
</head>
<body>
{{if .Callback}}
<h1>GitHub Login Callback</h1>
<p>{{.Status}}</p>
{{if .Error}}<p role="alert">Error: {{.Error}}</p>{{end}}
{{else}}
<h1>Scaffolding</h1>
{{if .Error}}<p role="alert">Login failed ({{.Error}}). Please try again.</p>{{end}}
{{with .Session}}
<p>{{if .User.AvatarURL}}<img src="{{.User.AvatarURL}}" alt="" width="32" height="32"> {{end}}Signed in as <strong>{{.User.Login}}</strong>{{if .User.Name}} ({{.User.Name}}){{end}}</p>
<form method="post" action="/logout"><button type="submit">Sign out</button></form>
<form method="post" action="/reauth"><button type="submit">Switch GitHub account</button></form>
{{else}}
<p><a href="{{$.LoginURL}}">Sign in with GitHub</a></p>
{{end}}
{{end}}
</body>
</html>
`))

type pageData struct {
	Title    string
	Callback bool
	Status   string
	Error    string
	Refresh  string
	Delay    int
	Session  *client.Session
	LoginURL string
}

// callback runs the callback handler for one visit.
func (a *webApp) callback(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	ex, err := client.NewHTTPExchanger(a.backendURL,
		client.WithHTTPClient(a.httpClient),
		client.WithCookies(r.Cookies()),
		client.WithBasePath(a.basePath),
	)
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	logger := middleware.LoggerFromContext(r.Context(), a.logger)
	out := client.NewCallbackHandler(ex, a.state, client.WithCallbackLogger(logger)).Handle(r.Context(), r.URL.Query())

	// The backend clears its session cookie after an exchange.
	for _, c := range ex.ResponseCookies() {
		http.SetCookie(w, c)
	}

	if out.Phase == client.PhaseSucceeded {
		return &endpoint.RedirectRenderer{URL: out.Next}, nil
	}
	return &endpoint.HTMLTemplateRenderer{
		Template: pageTmpl,
		Values: pageData{
			Title:    "Login failed",
			Callback: true,
			Status:   out.Status,
			Error:    out.Error,
			Refresh:  out.Next,
			Delay:    int(out.Delay.Seconds()),
		},
	}, nil
}

func (a *webApp) home(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	data := pageData{
		Title:    "Scaffolding",
		Error:    r.URL.Query().Get("error"),
		LoginURL: a.basePath,
	}
	if sess, ok := a.state.Current(); ok {
		data.Session = &sess
	}
	return &endpoint.HTMLTemplateRenderer{Template: pageTmpl, Values: data}, nil
}

func (a *webApp) logout(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if err := a.state.Logout(r.Context()); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "Failed to sign out.", err)
	}
	return &endpoint.RedirectRenderer{URL: "/", Status: http.StatusSeeOther}, nil
}

func (a *webApp) reauth(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	next, err := a.state.ReAuthenticate(r.Context())
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "Failed to sign out.", err)
	}
	return &endpoint.RedirectRenderer{URL: next, Status: http.StatusSeeOther}, nil
}
