package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/middleware/auth"
)

// tokenClaims is what the identity provider signs: the subject is the user
// id and roles lists role names understood by the capability policy.
type tokenClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 bearer tokens.
type TokenVerifier struct {
	signingKey []byte
	issuer     string
	audience   string
	clock      func() time.Time
}

type VerifierOption func(*TokenVerifier)

func WithIssuer(issuer string) VerifierOption {
	return func(v *TokenVerifier) { v.issuer = issuer }
}

func WithAudience(audience string) VerifierOption {
	return func(v *TokenVerifier) { v.audience = audience }
}

// WithClock replaces time.Now, for tests.
func WithClock(clock func() time.Time) VerifierOption {
	return func(v *TokenVerifier) { v.clock = clock }
}

func NewTokenVerifier(signingKey string, opts ...VerifierOption) (*TokenVerifier, error) {
	if signingKey == "" {
		return nil, errors.New("signing key is required")
	}
	v := &TokenVerifier{signingKey: []byte(signingKey), clock: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

var _ auth.TokenValidator = (*TokenVerifier)(nil)

func (v *TokenVerifier) ValidateToken(tokenString string) (*auth.Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(*jwt.Token) (any, error) {
		return v.signingKey, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return &auth.Claims{UserID: claims.Subject, Roles: claims.Roles}, nil
}

// Issue signs a token the verifier accepts. Production tokens come from
// the identity provider; this serves local development and tests.
func (v *TokenVerifier) Issue(userID id.UserID, roles []string, ttl time.Duration) (string, error) {
	now := v.clock()
	claims := tokenClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.signingKey)
}
