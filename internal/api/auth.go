package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"ridebook/internal/config"
	"ridebook/internal/domain"
	"ridebook/internal/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	permBookingsRead  = "bookings:read"
	permBookingsWrite = "bookings:write"
	permPaymentsWrite = "payments:write"
	permReviewsRead   = "reviews:read"
	permReviewsWrite  = "reviews:write"
	permAdminExport   = "admin:export"

	clientKeyUnknown = "unknown"
	anonymousClient  = "anonymous"
)

var (
	errUnauthenticated  = errors.New("unauthenticated")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

type actorKey struct{}

func withActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the caller resolved by the auth layer.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

// callerCredentials are the raw caller headers, whatever the transport.
type callerCredentials struct {
	apiKey  string
	extra   string
	actorID string
	role    string
}

// Authenticator resolves callers into actors for both HTTP and gRPC.
// With auth enabled the role is bound to the API key; the actor id comes from
// the actor header and falls back to the key's client name. With auth disabled
// the role header is trusted as is.
type Authenticator struct {
	cfg             config.APIAuthConfig
	clientsByAPIKey map[string]config.APIClientKey
	limiter         *rateLimiter
}

func NewAuthenticator(cfg *config.APIConfig) *Authenticator {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}

	return &Authenticator{
		cfg:             cfg.Auth,
		clientsByAPIKey: m,
		limiter:         newRateLimiter(cfg.RateLimit),
	}
}

func (a *Authenticator) authenticate(c callerCredentials) (domain.Actor, config.APIClientKey, error) {
	if !a.cfg.Enabled {
		role := models.Role(c.role)
		if !role.Valid() {
			return domain.Actor{}, config.APIClientKey{}, fmt.Errorf("%w: missing or unknown actor role", errUnauthenticated)
		}
		if c.actorID == "" {
			return domain.Actor{}, config.APIClientKey{}, fmt.Errorf("%w: missing actor id", errUnauthenticated)
		}
		return domain.Actor{ID: c.actorID, Role: role}, config.APIClientKey{Name: anonymousClient, Role: c.role}, nil
	}

	if c.apiKey == "" {
		return domain.Actor{}, config.APIClientKey{}, fmt.Errorf("%w: missing api key", errUnauthenticated)
	}
	client, ok := a.clientsByAPIKey[c.apiKey]
	if !ok {
		return domain.Actor{}, config.APIClientKey{}, fmt.Errorf("%w: invalid api key", errUnauthenticated)
	}
	if client.Extra != "" && subtle.ConstantTimeCompare([]byte(client.Extra), []byte(c.extra)) != 1 {
		return domain.Actor{}, config.APIClientKey{}, fmt.Errorf("%w: invalid extra header", errUnauthenticated)
	}

	actorID := c.actorID
	if actorID == "" {
		actorID = client.Name
	}
	return domain.Actor{ID: actorID, Role: models.Role(client.Role)}, client, nil
}

func checkPermission(client config.APIClientKey, required string) error {
	if required == "" {
		return nil
	}

	// Пустой список разрешений означает полный доступ.
	if len(client.Permissions) == 0 {
		return nil
	}

	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func header(name, fallback string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fallback
	}
	return name
}

// Require wraps an HTTP handler with authentication, permission and rate checks.
func (a *Authenticator) Require(permission string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := callerCredentials{
			apiKey:  strings.TrimSpace(r.Header.Get(header(a.cfg.HeaderAPIKey, "x-api-key"))),
			extra:   strings.TrimSpace(r.Header.Get(header(a.cfg.HeaderExtra, "x-api-extra"))),
			actorID: strings.TrimSpace(r.Header.Get(header(a.cfg.HeaderActor, "x-actor-id"))),
			role:    strings.TrimSpace(r.Header.Get(header(a.cfg.HeaderRole, "x-actor-role"))),
		}

		actor, client, err := a.authenticate(creds)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if err := checkPermission(client, permission); err != nil {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		if !a.limiter.allow(httpClientKey(creds.apiKey, r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func httpClientKey(apiKey string, r *http.Request) string {
	if apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

// Unary is the gRPC counterpart of Require.
func (a *Authenticator) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		creds := callerCredentials{
			apiKey:  first(md.Get(header(a.cfg.HeaderAPIKey, "x-api-key"))),
			extra:   first(md.Get(header(a.cfg.HeaderExtra, "x-api-extra"))),
			actorID: first(md.Get(header(a.cfg.HeaderActor, "x-actor-id"))),
			role:    first(md.Get(header(a.cfg.HeaderRole, "x-actor-role"))),
		}

		actor, client, err := a.authenticate(creds)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if err := checkPermission(client, requiredPermission(info.FullMethod)); err != nil {
			return nil, status.Error(codes.PermissionDenied, err.Error())
		}
		if !a.limiter.allow(grpcClientKey(ctx, creds.apiKey)) {
			return nil, status.Error(codes.ResourceExhausted, errRateLimited.Error())
		}

		return handler(withActor(ctx, actor), req)
	}
}

func requiredPermission(fullMethod string) string {
	method := fullMethod[strings.LastIndex(fullMethod, "/")+1:]
	switch method {
	case "GetBooking", "ListBookings", "History", "ReviewEligibility":
		return permBookingsRead
	case "CreateBooking", "Transition", "VerifyPickupOTP", "RegenerateOTP", "AssignDriver":
		return permBookingsWrite
	case "UpdatePayment", "CreateGatewayOrder", "VerifyGatewayPayment":
		return permPaymentsWrite
	case "SubmitReview", "UpdateReview":
		return permReviewsWrite
	case "DriverReviews":
		return permReviewsRead
	default:
		return ""
	}
}

func grpcClientKey(ctx context.Context, apiKey string) string {
	if apiKey != "" {
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
