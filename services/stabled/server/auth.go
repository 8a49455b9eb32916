package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"stablecoin/crypto"
)

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type contextKey string

const contextKeyIdentity contextKey = "stabled.identity"

var (
	errMissingToken   = errors.New("missing bearer token")
	errNoSecret       = errors.New("auth secret not configured")
	errInvalidSubject = errors.New("token subject is not an address")
)

// Authenticator verifies HMAC-signed JWTs and resolves the caller identity
// from the subject claim.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator builds an authenticator. An empty secret rejects every
// request.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		logger: logger,
	}
}

// Middleware rejects requests without a valid token and stores the caller
// identity on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.Authenticate(extractBearer(r.Header.Get("Authorization")))
		if err != nil {
			a.logger.Debug("token rejected", "path", r.URL.Path, "error", err)
			writeJSONError(w, http.StatusUnauthorized, "invalid_token", err)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate validates tokenString and returns the subject address.
func (a *Authenticator) Authenticate(tokenString string) (crypto.Address, error) {
	if tokenString == "" {
		return crypto.Address{}, errMissingToken
	}
	if len(a.secret) == 0 {
		return crypto.Address{}, errNoSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return crypto.Address{}, err
	}
	if !token.Valid {
		return crypto.Address{}, errors.New("token invalid")
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(claims.Subject))
	if err != nil || addr.IsZero() {
		return crypto.Address{}, errInvalidSubject
	}
	return addr, nil
}

// IdentityFromContext returns the authenticated caller, if any.
func IdentityFromContext(ctx context.Context) (crypto.Address, bool) {
	addr, ok := ctx.Value(contextKeyIdentity).(crypto.Address)
	return addr, ok && !addr.IsZero()
}

// requireOperator restricts a route to the configured operator identities.
func requireOperator(operators []crypto.Address) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(operators))
	for _, op := range operators {
		allowed[op.Key()] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := IdentityFromContext(r.Context())
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "invalid_token", errMissingToken)
				return
			}
			if _, ok := allowed[caller.Key()]; !ok {
				writeJSONError(w, http.StatusForbidden, "unauthorized", errors.New("operator role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
