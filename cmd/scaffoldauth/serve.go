package main

import (
	"context"
	"fmt"
	"io"

	"github.com/mnehpets/scaffoldauth/auth"
	"github.com/mnehpets/scaffoldauth/config"
	"github.com/mnehpets/scaffoldauth/middleware"
	"github.com/mnehpets/scaffoldauth/store"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the login backend (initiation and code exchange endpoints)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(v)
			if err != nil {
				return err
			}
			logger := log.StandardLogger()
			if err := cfg.Log.Apply(logger); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
	f := cmd.Flags()
	f.Int("backend-port", 0, "listen port (BACKEND_PORT, default 3000)")
	f.String("frontend-url", "", "front-end origin; the callback is FRONTEND_URL/oauth/callback (FRONTEND_URL)")
	f.String("oidc-issuer", "", "use OIDC discovery against this issuer instead of GitHub (OIDC_ISSUER)")
	f.String("redis-addr", "", "keep pending authorizations in Redis at this address (REDIS_ADDR)")
	f.Bool("cookie-secure", false, "mark the session cookie Secure (COOKIE_SECURE)")
	f.String("auth-base-path", "", "mount point of the login endpoints (AUTH_BASE_PATH, default /api/auth/github)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Server, logger *log.Logger) error {
	h, closer, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	logger.WithFields(log.Fields{
		"redirect_uri": cfg.RedirectURI(),
		"oidc":         cfg.OIDCIssuer != "",
		"redis":        cfg.Redis.Addr != "",
	}).Info("login backend configured")
	return listenAndServe(ctx, newServer(fmt.Sprintf(":%d", cfg.Port), h), logger)
}

// hstsMaxAge is one year, sent only when cookies are Secure.
const hstsMaxAge = 365 * 24 * 60 * 60

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newBackend wires store, provider, session cookie and middleware into the
// backend handler. The closer releases the store.
func newBackend(ctx context.Context, cfg *config.Server, logger log.FieldLogger) (*auth.Handler, io.Closer, error) {
	var (
		pending store.Store
		closer  io.Closer = nopCloser{}
		opts    []auth.Option
	)
	if cfg.Redis.Addr != "" {
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, store.WithTTL(cfg.PendingTTL))
		if err != nil {
			return nil, nil, err
		}
		pending, closer = rs, rs
		opts = append(opts, auth.WithHealthCheck(rs))
	} else {
		pending = store.NewMemoryStore(store.WithTTL(cfg.PendingTTL))
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}

	keyID, key, err := middleware.DeriveKey(cfg.SessionSecret)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	session, err := middleware.NewSessionProcessor(keyID, map[string][]byte{keyID: key},
		middleware.WithMaxAge(cfg.SessionMaxAge),
		middleware.WithSecure(cfg.CookieSecure),
	)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}

	headerOpts := []middleware.SecurityHeadersOption{middleware.WithCORS(middleware.FrontendCORS(cfg.FrontendURL))}
	if cfg.CookieSecure {
		headerOpts = append(headerOpts, middleware.WithHSTS(hstsMaxAge))
	}
	headers := middleware.NewAPISecurityHeadersProcessor(headerOpts...)
	opts = append(opts,
		auth.WithProcessors(middleware.NewRequestLogger(logger), headers),
		auth.WithLogger(logger),
		auth.WithBasePath(cfg.AuthBasePath),
	)

	h, err := auth.NewHandler(
		auth.NewInitiator(provider, pending, auth.WithInitiatorLogger(logger)),
		auth.NewExchangeService(provider, pending, auth.WithExchangeLogger(logger)),
		session,
		cfg.RedirectURI(),
		cfg.Scopes,
		opts...,
	)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return h, closer, nil
}

func newProvider(ctx context.Context, cfg *config.Server) (*auth.Provider, error) {
	if cfg.OIDCIssuer != "" {
		return auth.NewOIDCProvider(ctx, cfg.OIDCIssuer, cfg.ClientID, cfg.ClientSecret,
			auth.WithTimeout(cfg.ProviderTimeout))
	}
	return auth.NewGitHubProvider(cfg.ClientID, cfg.ClientSecret,
		auth.WithTimeout(cfg.ProviderTimeout)), nil
}
