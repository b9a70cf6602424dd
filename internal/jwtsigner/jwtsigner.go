package jwtsigner

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer issues HS256 bearer tokens accepted by authz.HMACValidator.
type Signer struct {
	secret []byte
	Issuer string
	now    func() time.Time
}

func New(secret, issuer string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("jwtsigner: empty secret")
	}
	return &Signer{secret: []byte(secret), Issuer: issuer, now: time.Now}, nil
}

// Sign issues a token for party sub valid for ttl.
func (s *Signer) Sign(sub uuid.UUID, ttl time.Duration) (string, error) {
	if sub == uuid.Nil {
		return "", errors.New("jwtsigner: empty subject")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.Issuer,
		Subject:   sub.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
