// Package authjwt issues and verifies the asymmetric JWTs a discovery
// relay uses to authenticate a WebSocket connection.
package authjwt

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turms-labs/turms-go/pkg/turmserr"
)

// Claims is the subset of registered JWT claims this protocol cares about.
type Claims struct {
	Audience  string `json:"aud,omitempty"`
	ExpireAt  uint64 `json:"exp,omitempty"`
	IssuedAt  uint64 `json:"iat"`
	Issuer    string `json:"iss,omitempty"`
	NotBefore uint64 `json:"nbf,omitempty"`
	Subject   string `json:"sub"`
}

// GetExpirationTime, GetIssuedAt, GetNotBefore, GetIssuer, GetSubject and
// GetAudience satisfy jwt.Claims so Claims can be handed directly to
// jwt.NewWithClaims and jwt.ParseWithClaims.
func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	if c.ExpireAt == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(int64(c.ExpireAt), 0)), nil
}

func (c Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(int64(c.IssuedAt), 0)), nil
}

func (c Claims) GetNotBefore() (*jwt.NumericDate, error) {
	if c.NotBefore == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(int64(c.NotBefore), 0)), nil
}

func (c Claims) GetIssuer() (string, error)   { return c.Issuer, nil }
func (c Claims) GetSubject() (string, error)  { return c.Subject, nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error) {
	if c.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{c.Audience}, nil
}

// NewClaims returns Claims for subject, stamped with the current time.
func NewClaims(subject string) Claims {
	return Claims{Subject: subject, IssuedAt: uint64(time.Now().Unix())}
}

// ExpireAfter sets the exp claim relative to now.
func (c Claims) ExpireAfter(d time.Duration) Claims {
	c.ExpireAt = uint64(time.Now().Add(d).Unix())
	return c
}

// WithIssuer sets the iss claim.
func (c Claims) WithIssuer(issuer string) Claims {
	c.Issuer = issuer
	return c
}

// NotValidBefore sets the nbf claim relative to now.
func (c Claims) NotValidBefore(d time.Duration) Claims {
	c.NotBefore = uint64(time.Now().Add(d).Unix())
	return c
}

// TokenManager issues and verifies RS256 JWTs. The private key is optional:
// a TokenManager built with only a public key can verify but not issue.
type TokenManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	method     jwt.SigningMethod
}

// NewTokenManager loads a PEM-encoded RSA public key (required) and private
// key (optional, pass an empty path to build a verify-only manager).
func NewTokenManager(privateKeyPath, publicKeyPath string) (*TokenManager, error) {
	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("authjwt: reading public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("authjwt: parsing public key: %w", err)
	}

	tm := &TokenManager{publicKey: pub, method: jwt.SigningMethodRS256}

	if privateKeyPath != "" {
		privBytes, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("authjwt: reading private key: %w", err)
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM(privBytes)
		if err != nil {
			return nil, fmt.Errorf("authjwt: parsing private key: %w", err)
		}
		tm.privateKey = priv
	}

	return tm, nil
}

// CreateToken signs claims into a compact JWT. Returns an error if this
// manager was built without a private key.
func (tm *TokenManager) CreateToken(claims Claims) (string, error) {
	if tm.privateKey == nil {
		return "", fmt.Errorf("authjwt: token manager has no signing key")
	}
	token := jwt.NewWithClaims(tm.method, claims)
	return token.SignedString(tm.privateKey)
}

// Decode verifies the signature with jwt's own claim validation turned off,
// then checks the exp/nbf window itself through CheckTiming, since this
// protocol wants TokenExpired/TooEarly rather than jwt's generic validation
// error.
func (tm *TokenManager) Decode(raw string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return tm.publicKey, nil
	}, jwt.WithValidMethods([]string{tm.method.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return Claims{}, fmt.Errorf("authjwt: %w", err)
	}

	if err := claims.CheckTiming(time.Now()); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// CheckTiming reports a turmserr.TokenExpired or turmserr.TooEarly error if
// now falls outside the claims' exp/nbf window.
func (c Claims) CheckTiming(now time.Time) error {
	ts := uint64(now.Unix())
	if c.ExpireAt != 0 && c.ExpireAt < ts {
		return &turmserr.TokenExpired{ExpireAt: c.ExpireAt}
	}
	if c.NotBefore != 0 && c.NotBefore > ts {
		return &turmserr.TooEarly{NotBefore: c.NotBefore}
	}
	return nil
}
