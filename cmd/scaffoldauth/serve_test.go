package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mnehpets/scaffoldauth/auth"
	"github.com/mnehpets/scaffoldauth/config"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServerConfig() *config.Server {
	return &config.Server{
		ClientID:        "client-id",
		ClientSecret:    "client-secret",
		FrontendURL:     "http://localhost:8080",
		SessionSecret:   "0123456789abcdef0123456789abcdef",
		Port:            3000,
		Scopes:          []string{"read:user", "user:email"},
		ProviderTimeout: time.Second,
		PendingTTL:      time.Minute,
		SessionMaxAge:   time.Minute,
		AuthBasePath:    auth.DefaultBasePath,
	}
}

func TestNewBackend(t *testing.T) {
	tests := []struct {
		name  string
		redis bool
	}{
		{"memory store", false},
		{"redis store", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testServerConfig()
			if tt.redis {
				cfg.Redis.Addr = miniredis.RunT(t).Addr()
			}
			logger, _ := test.NewNullLogger()

			h, closer, err := newBackend(context.Background(), cfg, logger)
			require.NoError(t, err)
			defer closer.Close()

			srv := httptest.NewServer(h)
			defer srv.Close()
			c := noRedirects(srv)

			resp, err := c.Get(srv.URL + auth.DefaultBasePath)
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, http.StatusFound, resp.StatusCode)

			loc, err := url.Parse(resp.Header.Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "github.com", loc.Host)
			assert.Equal(t, "http://localhost:8080/oauth/callback", loc.Query().Get("redirect_uri"))
			assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))

			var session *http.Cookie
			for _, ck := range resp.Cookies() {
				if ck.Name == "SAS" {
					session = ck
				}
			}
			require.NotNil(t, session, "login sets the session cookie")
			assert.False(t, session.Secure)

			resp, err = c.Get(srv.URL + auth.HealthPath)
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "ok", string(body))
		})
	}
}

func TestNewBackend_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testServerConfig()
	cfg.Redis.Addr = addr
	logger, _ := test.NewNullLogger()
	_, _, err := newBackend(context.Background(), cfg, logger)
	assert.Error(t, err)
}

func TestNewBackend_CustomBasePath(t *testing.T) {
	cfg := testServerConfig()
	cfg.AuthBasePath = "/auth/login"
	logger, _ := test.NewNullLogger()

	h, closer, err := newBackend(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer closer.Close()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	assert.Equal(t, http.StatusFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, auth.DefaultBasePath, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewBackend_SecureCookiesEnableHSTS(t *testing.T) {
	cfg := testServerConfig()
	cfg.CookieSecure = true
	logger, _ := test.NewNullLogger()

	h, closer, err := newBackend(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer closer.Close()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, auth.HealthPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=31536000")
}
