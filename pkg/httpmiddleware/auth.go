package httpmiddleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
	Name   string
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller set by Auth.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Claims are the token claims the API understands. The subject is the user
// id.
type Claims struct {
	Role string `json:"role,omitempty"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	// Secret is the HMAC key tokens are signed with.
	Secret []byte
	// Issuer, when set, must match the iss claim.
	Issuer string
	// QueryParam names a query parameter accepted instead of the
	// Authorization header. Browsers cannot set headers on websocket
	// handshakes.
	QueryParam string
}

var errMissingToken = errors.New("missing bearer token")

// Auth rejects requests without a valid HS256 bearer token and stores the
// caller in the request context.
func Auth(cfg AuthConfig) Middleware {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return cfg.Secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r, cfg.QueryParam)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			var claims Claims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if claims.Subject == "" {
				writeError(w, http.StatusUnauthorized, "token has no subject")
				return
			}
			ctx := WithIdentity(r.Context(), Identity{
				UserID: claims.Subject,
				Role:   claims.Role,
				Name:   claims.Name,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request, queryParam string) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", errors.New("malformed authorization header")
		}
		return token, nil
	}
	if queryParam != "" {
		if token := r.URL.Query().Get(queryParam); token != "" {
			return token, nil
		}
	}
	return "", errMissingToken
}

// IssueToken signs a token for userID. The API never issues tokens itself;
// tokens come from the identity provider that shares the secret.
func IssueToken(secret []byte, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
