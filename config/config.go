// Package config loads scaffoldauth settings from the environment, an
// optional .env file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mnehpets/scaffoldauth/auth"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys. Each is also the lower-case name of its environment variable.
const (
	KeyClientID        = "github_client_id"
	KeyClientSecret    = "github_client_secret"
	KeyFrontendURL     = "frontend_url"
	KeySessionSecret   = "session_secret"
	KeyBackendPort     = "backend_port"
	KeyScopes          = "oauth_scopes"
	KeyOIDCIssuer      = "oidc_issuer"
	KeyRedisAddr       = "redis_addr"
	KeyRedisPassword   = "redis_password"
	KeyRedisDB         = "redis_db"
	KeyRedisKeyPrefix  = "redis_key_prefix"
	KeyProviderTimeout = "provider_timeout"
	KeyPendingTTL      = "pending_ttl"
	KeySessionMaxAge   = "session_max_age"
	KeyCookieSecure    = "cookie_secure"
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
	KeyBackendURL      = "backend_url"
	KeyWebPort         = "web_port"
	KeyAuthStateFile   = "auth_state_file"
	KeyAuthBasePath    = "auth_base_path"
)

// PlaceholderSecret is the session secret shipped in sample configuration.
// It is rejected like a missing one.
const PlaceholderSecret = "fallback-secret-please-change"

// MinSecretLength is the minimum session secret length in bytes.
const MinSecretLength = 32

// CallbackPath is where the provider sends the browser back, below FrontendURL.
const CallbackPath = "/oauth/callback"

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyBackendPort, 3000)
	v.SetDefault(KeyScopes, "read:user user:email")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyProviderTimeout, auth.DefaultProviderTimeout)
	v.SetDefault(KeyPendingTTL, 10*time.Minute)
	v.SetDefault(KeySessionMaxAge, 5*time.Minute)
	v.SetDefault(KeyCookieSecure, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyBackendURL, "http://localhost:3000")
	v.SetDefault(KeyWebPort, 8080)
	v.SetDefault(KeyAuthStateFile, "scaffoldauth-session.json")
	v.SetDefault(KeyAuthBasePath, auth.DefaultBasePath)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads path into the process environment. Variables already
// set win, and a missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// BindFlags binds every flag in flags to the key of the same name, with
// dashes read as underscores.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return err
}

// Logging configures the process logger.
type Logging struct {
	Level  string
	Format string
}

// Apply sets level and formatter on logger.
func (l Logging) Apply(logger *log.Logger) error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("%w: %v", auth.ErrConfig, err)
	}
	logger.SetLevel(level)
	switch strings.ToLower(l.Format) {
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("%w: unknown log format %q", auth.ErrConfig, l.Format)
	}
	return nil
}

// Redis holds the optional Redis store settings. The store is used when
// Addr is set.
type Redis struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Server is the backend configuration.
type Server struct {
	ClientID        string
	ClientSecret    string
	FrontendURL     string
	SessionSecret   string
	Port            int
	Scopes          []string
	OIDCIssuer      string
	Redis           Redis
	ProviderTimeout time.Duration
	PendingTTL      time.Duration
	SessionMaxAge   time.Duration
	CookieSecure    bool
	AuthBasePath    string
	Log             Logging
}

// LoadServer reads and validates the backend configuration.
func LoadServer(v *viper.Viper) (*Server, error) {
	s := &Server{
		ClientID:      strings.TrimSpace(v.GetString(KeyClientID)),
		ClientSecret:  strings.TrimSpace(v.GetString(KeyClientSecret)),
		FrontendURL:   strings.TrimRight(strings.TrimSpace(v.GetString(KeyFrontendURL)), "/"),
		SessionSecret: v.GetString(KeySessionSecret),
		Port:          v.GetInt(KeyBackendPort),
		Scopes:        strings.Fields(v.GetString(KeyScopes)),
		OIDCIssuer:    strings.TrimSpace(v.GetString(KeyOIDCIssuer)),
		Redis: Redis{
			Addr:      v.GetString(KeyRedisAddr),
			Password:  v.GetString(KeyRedisPassword),
			DB:        v.GetInt(KeyRedisDB),
			KeyPrefix: v.GetString(KeyRedisKeyPrefix),
		},
		ProviderTimeout: v.GetDuration(KeyProviderTimeout),
		PendingTTL:      v.GetDuration(KeyPendingTTL),
		SessionMaxAge:   v.GetDuration(KeySessionMaxAge),
		CookieSecure:    v.GetBool(KeyCookieSecure),
		AuthBasePath:    cleanBasePath(v.GetString(KeyAuthBasePath)),
		Log: Logging{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate reports every problem at once, wrapped in auth.ErrConfig.
func (s *Server) Validate() error {
	var problems []string
	if s.ClientID == "" {
		problems = append(problems, "GITHUB_CLIENT_ID is required")
	}
	if s.ClientSecret == "" {
		problems = append(problems, "GITHUB_CLIENT_SECRET is required")
	}
	if err := validateAbsURL(s.FrontendURL); err != nil {
		problems = append(problems, "FRONTEND_URL "+err.Error())
	}
	if err := ValidateSessionSecret(s.SessionSecret); err != nil {
		problems = append(problems, err.Error())
	}
	if s.Port <= 0 || s.Port > 65535 {
		problems = append(problems, fmt.Sprintf("BACKEND_PORT %d is out of range", s.Port))
	}
	if s.ProviderTimeout <= 0 {
		problems = append(problems, "PROVIDER_TIMEOUT must be positive")
	}
	if s.PendingTTL <= 0 {
		problems = append(problems, "PENDING_TTL must be positive")
	}
	if s.SessionMaxAge < time.Second {
		problems = append(problems, "SESSION_MAX_AGE must be at least 1s")
	}
	if err := validateBasePath(s.AuthBasePath); err != nil {
		problems = append(problems, "AUTH_BASE_PATH "+err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", auth.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// RedirectURI is the callback location registered with the provider.
func (s *Server) RedirectURI() string {
	return s.FrontendURL + CallbackPath
}

// ValidateSessionSecret rejects missing, short and placeholder secrets.
func ValidateSessionSecret(secret string) error {
	switch {
	case secret == "":
		return errors.New("SESSION_SECRET is required")
	case secret == PlaceholderSecret:
		return errors.New("SESSION_SECRET is the sample placeholder")
	case len(secret) < MinSecretLength:
		return fmt.Errorf("SESSION_SECRET must be at least %d bytes", MinSecretLength)
	}
	return nil
}

// Web is the front-end host configuration.
type Web struct {
	BackendURL   string
	Port         int
	StateFile    string
	AuthBasePath string
	Log          Logging
}

// LoadWeb reads and validates the front-end host configuration.
func LoadWeb(v *viper.Viper) (*Web, error) {
	w := &Web{
		BackendURL:   strings.TrimRight(strings.TrimSpace(v.GetString(KeyBackendURL)), "/"),
		Port:         v.GetInt(KeyWebPort),
		StateFile:    v.GetString(KeyAuthStateFile),
		AuthBasePath: cleanBasePath(v.GetString(KeyAuthBasePath)),
		Log: Logging{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
	}
	var problems []string
	if err := validateAbsURL(w.BackendURL); err != nil {
		problems = append(problems, "BACKEND_URL "+err.Error())
	}
	if w.Port <= 0 || w.Port > 65535 {
		problems = append(problems, fmt.Sprintf("WEB_PORT %d is out of range", w.Port))
	}
	if w.StateFile == "" {
		problems = append(problems, "AUTH_STATE_FILE is required")
	}
	if err := validateBasePath(w.AuthBasePath); err != nil {
		problems = append(problems, "AUTH_BASE_PATH "+err.Error())
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", auth.ErrConfig, strings.Join(problems, "; "))
	}
	return w, nil
}

func validateAbsURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.New("must be an absolute URL")
	}
	return nil
}

// cleanBasePath drops surrounding space and a trailing slash. Anything else
// is left for validateBasePath to judge.
func cleanBasePath(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") {
		return raw
	}
	return path.Clean(raw)
}

func validateBasePath(p string) error {
	switch {
	case p == "":
		return errors.New("is required")
	case !strings.HasPrefix(p, "/"):
		return errors.New("must start with /")
	case p == "/":
		return errors.New("must not be the root path")
	case strings.ContainsAny(p, "{}?# "):
		return errors.New("must be a plain path")
	}
	return nil
}
