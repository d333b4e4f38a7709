package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"fixturesync/internal/config"
)

const (
	PermReadJobs  = "read:sync-jobs"
	PermWriteJobs = "write:sync-jobs"
	PermAdminJobs = "admin:sync-jobs"

	apiKeyHeaderDefault = "x-api-key"
	clientKeyUnknown    = "unknown"
)

var (
	errMissingAPIKey    = errors.New("missing api key header")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
)

type clientCtxKey struct{}

// clientFromContext returns the authenticated API client, if any.
func clientFromContext(ctx context.Context) (config.APIClientKey, bool) {
	c, ok := ctx.Value(clientCtxKey{}).(config.APIClientKey)
	return c, ok
}

// HTTPAuth provides API-key auth and per-client rate limiting.
type HTTPAuth struct {
	enabled bool
	header  string
	clients []config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	header := strings.TrimSpace(strings.ToLower(cfg.Auth.HeaderAPIKey))
	if header == "" {
		header = apiKeyHeaderDefault
	}
	clients := make([]config.APIClientKey, len(cfg.Auth.APIKeys))
	copy(clients, cfg.Auth.APIKeys)
	return &HTTPAuth{
		enabled: cfg.Auth.Enabled,
		header:  header,
		clients: clients,
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

// Wrap guards next. Paths outside /api/ (health checks) are not guarded.
func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		if a.enabled {
			client, err := a.authenticate(r)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					status = http.StatusForbidden
				}
				writeError(w, status, err.Error())
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), clientCtxKey{}, client))
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) authenticate(r *http.Request) (config.APIClientKey, error) {
	apiKey := strings.TrimSpace(r.Header.Get(a.header))
	if apiKey == "" {
		return config.APIClientKey{}, errMissingAPIKey
	}

	client, ok := a.lookup(apiKey)
	if !ok {
		return config.APIClientKey{}, errInvalidAPIKey
	}
	if !hasPermission(client, requiredPermission(r)) {
		return config.APIClientKey{}, errPermissionDenied
	}
	return client, nil
}

// lookup compares against every key so timing does not reveal a match.
func (a *HTTPAuth) lookup(apiKey string) (config.APIClientKey, bool) {
	var (
		found config.APIClientKey
		ok    bool
	)
	for _, c := range a.clients {
		if subtle.ConstantTimeCompare([]byte(c.Key), []byte(apiKey)) == 1 {
			found, ok = c, true
		}
	}
	return found, ok
}

func hasPermission(client config.APIClientKey, required string) bool {
	if required == "" {
		return true
	}
	for _, p := range client.Permissions {
		p = strings.TrimSpace(p)
		if p == required || p == PermAdminJobs {
			return true
		}
	}
	return false
}

func requiredPermission(r *http.Request) string {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == jobsPath+"/cleanup":
		return PermAdminJobs
	case r.Method == http.MethodPost && path == jobsPath:
		return PermWriteJobs
	case strings.HasPrefix(path, jobsPath):
		return PermReadJobs
	default:
		return ""
	}
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.header)); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}
