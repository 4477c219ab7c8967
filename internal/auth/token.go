package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims is the JWT claim set binding a Session.
type sessionClaims struct {
	jwt.RegisteredClaims
	Name         string `json:"name,omitempty"`
	Limit        int64  `json:"limit,omitempty"`
	Delegate     string `json:"delegate,omitempty"`
	DelegateName string `json:"delegateName,omitempty"`
}

// TokenProcessor signs and validates the compact session tokens. The signing
// algorithm is fixed at startup from the key material; there is no per-token
// algorithm negotiation.
type TokenProcessor struct {
	issuer    string
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
}

// NewTokenProcessor selects the signing algorithm from the key pair. EC keys
// of 256/384/521 bits select the matching ECDSA strength; RSA keys of at
// least 1024/2048/3072 bits select the matching RSA strength. Shorter keys
// are rejected.
func NewTokenProcessor(issuer string, private crypto.PrivateKey, public crypto.PublicKey) (*TokenProcessor, error) {
	method, err := selectAlgorithm(public)
	if err != nil {
		return nil, err
	}
	return &TokenProcessor{
		issuer:    issuer,
		method:    method,
		signKey:   private,
		verifyKey: public,
	}, nil
}

// NewUnsignedProcessor creates a processor using the none algorithm. Refused
// in production; callers are expected to log loudly when using it.
func NewUnsignedProcessor(issuer string) *TokenProcessor {
	return &TokenProcessor{
		issuer:    issuer,
		method:    jwt.SigningMethodNone,
		signKey:   jwt.UnsafeAllowNoneSignatureType,
		verifyKey: jwt.UnsafeAllowNoneSignatureType,
	}
}

func selectAlgorithm(public crypto.PublicKey) (jwt.SigningMethod, error) {
	switch key := public.(type) {
	case *ecdsa.PublicKey:
		switch key.Curve {
		case elliptic.P256():
			return jwt.SigningMethodES256, nil
		case elliptic.P384():
			return jwt.SigningMethodES384, nil
		case elliptic.P521():
			return jwt.SigningMethodES512, nil
		}
		return nil, fmt.Errorf("unsupported EC curve %q for token signing", key.Curve.Params().Name)
	case *rsa.PublicKey:
		bits := key.N.BitLen()
		switch {
		case bits >= 3072:
			return jwt.SigningMethodRS512, nil
		case bits >= 2048:
			return jwt.SigningMethodRS384, nil
		case bits >= 1024:
			return jwt.SigningMethodRS256, nil
		}
		return nil, fmt.Errorf("RSA key of %d bits is too short for token signing", bits)
	}
	return nil, fmt.Errorf("unsupported key type %T for token signing", public)
}

// Algorithm returns the selected signing algorithm name.
func (p *TokenProcessor) Algorithm() string {
	return p.method.Alg()
}

// Sign encodes and signs a session as a compact token.
func (p *TokenProcessor) Sign(s Session) (string, error) {
	if !s.Valid {
		return "", fmt.Errorf("cannot sign an invalid session")
	}
	claims := &sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(s.Issue),
			ExpiresAt: jwt.NewNumericDate(s.Expiry),
		},
		Name:         s.UserName,
		Limit:        s.ExpiryLimit.Unix(),
		Delegate:     s.DelegateID,
		DelegateName: s.DelegateName,
	}
	return jwt.NewWithClaims(p.method, claims).SignedString(p.signKey)
}

// Validate decodes a token into a Session. Any decode, signature, issuer or
// missing-claim failure yields an invalid Session carrying the error text;
// expiry is checked by the caller against the decoded timestamps so that an
// expired-but-authentic token still identifies its user for refresh checks.
func (p *TokenProcessor) Validate(token string) Session {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return p.verifyKey, nil },
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithIssuedAt(),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return invalidSession(fmt.Sprintf("session token is not valid: %v", err))
	}
	if !parsed.Valid {
		return invalidSession("session token is not valid")
	}

	// Issuer is excluded from validation above, so check it explicitly.
	if claims.Issuer != p.issuer {
		return invalidSession(fmt.Sprintf("session token issued by %q, expected %q", claims.Issuer, p.issuer))
	}

	if claims.Subject == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil || claims.Limit == 0 {
		return invalidSession("session token is missing required claims")
	}

	s := Session{
		UserID:       claims.Subject,
		UserName:     claims.Name,
		DelegateID:   claims.Delegate,
		DelegateName: claims.DelegateName,
		Issue:        claims.IssuedAt.Time,
		Expiry:       claims.ExpiresAt.Time,
		ExpiryLimit:  time.Unix(claims.Limit, 0),
		Valid:        true,
	}
	if s.Expiry.Before(s.Issue) || s.ExpiryLimit.Before(s.Expiry) {
		return invalidSession("session token timestamps are inconsistent")
	}
	if s.DelegateID == s.UserID {
		return invalidSession("delegate user equals primary user")
	}
	return s
}
