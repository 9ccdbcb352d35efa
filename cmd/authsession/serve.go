package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mnehpets/authsession/endpoint"
	"github.com/mnehpets/authsession/middleware"
	"github.com/mnehpets/authsession/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	addr    string
	site    string
	origins []string
	hsts    time.Duration
}

func serveCmd(g *globalOptions) *cobra.Command {
	o := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API read by apps on sibling subdomains",
		Long: `serve answers session requests from browsers that logged in through an
app on the same site. It reads the authorization and CSRF cookies the app
wrote, reports the session, logs it out and exposes Prometheus metrics.

  GET  /session         session status, 200 even when logged out
  POST /session/logout  clear the session cookies (needs X-CSRF-Token)
  GET  /admin/ping      204 for administrators
  GET  /metrics         Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), g.logger(), o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", ":8080", "listen address")
	f.StringVar(&o.site, "site", "", "allow CORS from https origins sharing this host's cookie domain")
	f.StringSliceVar(&o.origins, "origin", nil, "allow CORS from this exact origin (repeatable)")
	f.DurationVar(&o.hsts, "hsts", 365*24*time.Hour, "Strict-Transport-Security max-age, 0 to disable")

	return cmd
}

func serve(ctx context.Context, log *slog.Logger, o *serveOptions) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           newAPI(log, reg, o),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("serve.start", slog.String("addr", o.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("serve.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

// sessionStatus is the body of GET /session.
type sessionStatus struct {
	Authenticated bool              `json:"authenticated"`
	Admin         bool              `json:"admin"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
	User          *session.UserInfo `json:"user,omitempty"`
}

func newAPI(log *slog.Logger, reg *prometheus.Registry, o *serveOptions) http.Handler {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "authsession",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Session API requests by handler, method and status code.",
	}, []string{"handler", "code", "method"})

	headerOpts := []middleware.HeadersOption{
		middleware.WithHSTS(o.hsts),
		middleware.WithOrigins(o.origins...),
	}
	if o.site != "" {
		headerOpts = append(headerOpts, middleware.WithSiteOrigins(o.site))
	}
	headers := middleware.NewHeaders(headerOpts...)
	anyone := middleware.NewAdmission(middleware.Optional(), middleware.WithLogger(log))
	admins := middleware.NewAdmission(middleware.RequireAdmin(), middleware.WithLogger(log))

	route := func(name string, h http.Handler) http.Handler {
		return promhttp.InstrumentHandlerCounter(requests.MustCurryWith(prometheus.Labels{"handler": name}), h)
	}

	status := endpoint.Handle(func(w http.ResponseWriter, r *http.Request) (endpoint.Renderer, error) {
		p, ok := middleware.PrincipalFromContext(r.Context())
		if !ok {
			return &endpoint.JSON{Value: sessionStatus{}}, nil
		}
		st := sessionStatus{Authenticated: true, Admin: p.IsAdmin(), User: p.User}
		if !p.Claims.ExpiresAt.IsZero() {
			exp := p.Claims.ExpiresAt.UTC()
			st.ExpiresAt = &exp
		}
		return &endpoint.JSON{Value: st}, nil
	}, headers, anyone)

	logout := endpoint.Handle(func(w http.ResponseWriter, r *http.Request) (endpoint.Renderer, error) {
		if err := middleware.SessionStore(w, r, session.WithLogger(log)).Clear(r.Context()); err != nil {
			return nil, endpoint.Errorf(http.StatusInternalServerError, "logout failed", err)
		}
		if p, ok := middleware.PrincipalFromContext(r.Context()); ok {
			log.InfoContext(r.Context(), "serve.logout", slog.String("user", p.User.ID))
		}
		return &endpoint.NoContent{}, nil
	}, headers, anyone)

	ping := endpoint.Handle(func(w http.ResponseWriter, r *http.Request) (endpoint.Renderer, error) {
		return &endpoint.NoContent{}, nil
	}, headers, admins)

	// Preflights carry no cookies; Headers answers them before admission.
	preflight := endpoint.Handle(func(w http.ResponseWriter, r *http.Request) (endpoint.Renderer, error) {
		return &endpoint.NoContent{}, nil
	}, headers)

	mux := http.NewServeMux()
	mux.Handle("GET /session", route("session", status))
	mux.Handle("POST /session/logout", route("logout", logout))
	mux.Handle("OPTIONS /session/logout", route("preflight", preflight))
	mux.Handle("GET /admin/ping", route("admin_ping", ping))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
