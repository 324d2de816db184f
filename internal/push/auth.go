// ABOUTME: Signing material for push notifications: an RSA key, its JWK set and RS256 tokens
// ABOUTME: Tokens bind the SHA-256 of the canonical JSON body so receivers can verify payloads

package push

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Verification errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrUnknownKey     = errors.New("unknown signing key")
	ErrBodyMismatch   = errors.New("request body does not match token")
	ErrTokenTooOld    = errors.New("token issued too long ago")
	ErrMissingBodySHA = errors.New("missing request_body_sha256 claim")
)

const keyBits = 2048

// JWK is a public RSA key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet is the document served at /.well-known/jwks.json.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// Auth signs push notification payloads with a per-agent RSA key.
type Auth struct {
	key *rsa.PrivateKey
	kid string
	now func() time.Time
}

// NewAuth generates a fresh signing key.
func NewAuth() (*Auth, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}
	return &Auth{key: key, kid: uuid.NewString(), now: time.Now}, nil
}

// KeyID returns the kid placed in token headers.
func (a *Auth) KeyID() string {
	return a.kid
}

// JWKS returns the public half of the signing key.
func (a *Auth) JWKS() JWKSet {
	pub := a.key.PublicKey
	return JWKSet{Keys: []JWK{{
		Kty: "RSA",
		Kid: a.kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}

// Sign returns an RS256 JWT whose claims are the issue time and the SHA-256 of body.
func (a *Auth) Sign(body []byte) (string, error) {
	sum, err := BodySHA256(body)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iat":                 a.now().Unix(),
		"request_body_sha256": sum,
	})
	token.Header["kid"] = a.kid
	return token.SignedString(a.key)
}

// BodySHA256 hashes the canonical form of a JSON body: keys sorted, no
// insignificant whitespace, no HTML escaping.
func BodySHA256(body []byte) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("decoding body: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encoding canonical body: %w", err)
	}

	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks a token against a JWK set and the body it was sent with.
// Tokens older than maxAge are rejected.
func Verify(tokenString string, body []byte, set JWKSet, maxAge time.Duration) error {
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		pub, err := k.publicKey()
		if err != nil {
			return err
		}
		keys[k.Kid] = pub
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		pub, ok := keys[kid]
		if !ok {
			return nil, ErrUnknownKey
		}
		return pub, nil
	}, jwt.WithIssuedAt())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return ErrInvalidToken
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return fmt.Errorf("%w: iat", ErrInvalidToken)
	}
	if maxAge > 0 && time.Since(iat.Time) > maxAge {
		return ErrTokenTooOld
	}

	want, _ := claims["request_body_sha256"].(string)
	if want == "" {
		return ErrMissingBodySHA
	}
	got, err := BodySHA256(body)
	if err != nil {
		return err
	}
	if got != want {
		return ErrBodyMismatch
	}
	return nil
}

func (k JWK) publicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus of key %s: %w", k.Kid, err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent of key %s: %w", k.Kid, err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
}
