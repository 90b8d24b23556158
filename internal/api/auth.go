package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"seminarhall/internal/config"
	"seminarhall/internal/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	actorHeaderDefault  = "x-actor-id"
	roleHeaderDefault   = "x-actor-role"
	clientKeyUnknown    = "unknown"

	permReadReservations   = "read:reservations"
	permWriteReservations  = "write:reservations"
	permManageResources    = "manage:resources"
	permExportReservations = "export:reservations"
	permReadOutbox         = "read:outbox"
)

var (
	errMissingAPIKey    = errors.New("missing api key header")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
)

// keyring resolves API keys shared by the HTTP and gRPC front doors.
type keyring struct {
	clients map[string]config.APIClientKey
}

func newKeyring(keys []config.APIClientKey) *keyring {
	m := make(map[string]config.APIClientKey, len(keys))
	for _, k := range keys {
		m[k.Key] = k
	}
	return &keyring{clients: m}
}

func (k *keyring) authenticate(apiKey, required string) error {
	if apiKey == "" {
		return errMissingAPIKey
	}

	var client config.APIClientKey
	found := false
	for key, c := range k.clients {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			client, found = c, true
			break
		}
	}
	if !found {
		return errInvalidAPIKey
	}

	// пустой список разрешений = полный доступ
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func headerName(configured, fallback string) string {
	h := strings.ToLower(strings.TrimSpace(configured))
	if h == "" {
		return fallback
	}
	return h
}

// AuthInterceptor guards gRPC methods other than the health service.
type AuthInterceptor struct {
	cfg     *config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewAuthInterceptor(cfg *config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth.APIKeys),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !a.cfg.Enabled || isPublicMethod(info.FullMethod) {
			return handler(ctx, req)
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(ctx); err != nil {
				return nil, err
			}
		}
		if !a.limiter.Allow(a.clientKey(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}

		return handler(ctx, req)
	}
}

func isPublicMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}

func (a *AuthInterceptor) checkAuth(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	apiKey := first(md.Get(headerName(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault)))
	switch err := a.keys.authenticate(apiKey, ""); {
	case err == nil:
		return nil
	case errors.Is(err, errPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.Unauthenticated, err.Error())
	}
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if apiKey := first(md.Get(headerName(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault))); apiKey != "" {
		return apiKey
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth.APIKeys),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			apiKey := strings.TrimSpace(r.Header.Get(headerName(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault)))
			if err := a.keys.authenticate(apiKey, requiredPermissionHTTP(r)); err != nil {
				code := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					code = http.StatusForbidden
				}
				writeError(w, code, err.Error())
				return
			}
		}

		if !a.limiter.Allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Actor reads the caller identity headers. Validation happens in the engine.
func (a *HTTPAuth) Actor(r *http.Request) models.Actor {
	return models.Actor{
		ID:   strings.TrimSpace(r.Header.Get(headerName(a.cfg.Auth.HeaderActor, actorHeaderDefault))),
		Role: models.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerName(a.cfg.Auth.HeaderRole, roleHeaderDefault))))),
	}
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	switch {
	case path == "/api/v1/reservations/export":
		return permExportReservations
	case strings.HasPrefix(path, "/api/v1/outbox"):
		return permReadOutbox
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		return permReadReservations
	case strings.HasPrefix(path, "/api/v1/resources"):
		return permManageResources
	default:
		return permWriteReservations
	}
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(headerName(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault))); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}
