package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"

	"kando-api/domain"
	"kando-api/rbac"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// AuthConfig selects how bearer tokens are verified. A shared secret
// switches to HS256 tokens for local development and tests; otherwise tokens
// are RS256 and verified against the JWKS.
type AuthConfig struct {
	JWKS         *keyfunc.JWKS
	Audience     string
	Issuer       string
	SharedSecret string
	RoleClaim    string
	KeyCacheTTL  time.Duration
}

// Identity is the verified caller of a request. The zero value is an
// anonymous guest.
type Identity struct {
	UserID string
	Role   domain.Role
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	if id.Role == "" {
		id.Role = domain.RoleGuest
	}
	return id
}

// Auth validates incoming JWT tokens and serves the verified identity back
// to the board as its auth provider.
type Auth struct {
	jwks      *keyfunc.JWKS
	audience  string
	issuer    string
	secret    []byte
	roleClaim string

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

func NewAuth(cfg AuthConfig) *Auth {
	a := &Auth{
		jwks:        cfg.JWKS,
		audience:    cfg.Audience,
		issuer:      cfg.Issuer,
		roleClaim:   cfg.RoleClaim,
		keyCacheTTL: cfg.KeyCacheTTL,
	}
	if a.keyCacheTTL <= 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}
	if cfg.SharedSecret != "" {
		a.secret = []byte(cfg.SharedSecret)
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// CurrentUserID reports the verified user of the request in ctx.
func (a *Auth) CurrentUserID(ctx context.Context) (string, bool) {
	id := identityFrom(ctx)
	return id.UserID, id.UserID != ""
}

// Role reports the verified role of the request in ctx. Anonymous callers
// are guests.
func (a *Auth) Role(ctx context.Context) domain.Role {
	id := identityFrom(ctx)
	if id.UserID == "" {
		return domain.RoleGuest
	}
	return id.Role
}

// Middleware verifies the bearer token, if any, and stores the identity on
// the request context. Requests without credentials continue as guests.
func (a *Auth) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			token, err := bearerTokenFromRequest(req)
			if errors.Is(err, errMissingAuthorization) {
				return next(c)
			}
			if err != nil {
				return c.String(http.StatusUnauthorized, err.Error())
			}
			id, err := a.IdentityFromBearer(token)
			if err != nil {
				return c.String(http.StatusUnauthorized, err.Error())
			}
			c.SetRequest(req.WithContext(WithIdentity(req.Context(), id)))
			return next(c)
		}
	}
}

// IdentityFromBearer verifies a bearer token presented as raw bytes.
func (a *Auth) IdentityFromBearer(token []byte) (Identity, error) {
	if len(token) == 0 {
		return Identity{}, errBadAuthorization
	}

	tokenStr := readOnlyString(token)
	parsedToken, err := a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if a.secret != nil {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.secret, nil
		}
		return a.keyForToken(t)
	})
	if err != nil {
		return Identity{}, err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return Identity{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return Identity{}, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return Identity{}, errors.New("token used before issued")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return Identity{}, errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, false) {
		return Identity{}, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, errors.New("missing sub")
	}

	role := domain.RoleUser
	if a.roleClaim != "" {
		if raw, ok := claims[a.roleClaim].(string); ok {
			role = rbac.Normalize(raw)
		}
	}
	return Identity{UserID: sub, Role: role}, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
