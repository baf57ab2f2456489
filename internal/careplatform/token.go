package careplatform

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTTL    = 5 * time.Minute
	tokenLeeway = 30 * time.Second
)

// serviceClaims identify this service to the platform.
type serviceClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// tokenSource issues short-lived HS256 service tokens and reuses one until
// it is close to expiry.
type tokenSource struct {
	clientID string
	secret   []byte
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newTokenSource(clientID, secret string) *tokenSource {
	return &tokenSource{clientID: clientID, secret: []byte(secret), now: time.Now}
}

func (s *tokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(tokenLeeway).Before(s.expiry) {
		return s.token, nil
	}

	expiry := now.Add(tokenTTL)
	claims := serviceClaims{
		Scope: "cases admissions tasks",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.clientID,
			Subject:   s.clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	s.token, s.expiry = signed, expiry
	return signed, nil
}
