package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const DefaultIssuer = "meshlink"

// Claims carries the operator identity.
type Claims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

// JWT validates and issues HS256 tokens signed with a shared secret.
type JWT struct {
	Secret []byte
	Issuer string
	now    func() time.Time
}

func NewJWT(secret string) *JWT {
	return &JWT{Secret: []byte(secret), Issuer: DefaultIssuer, now: time.Now}
}

// Issue signs a token for operator valid for ttl.
func (j *JWT) Issue(operator string, ttl time.Duration) (string, error) {
	if len(j.Secret) == 0 {
		return "", errors.New("auth: jwt secret not configured")
	}
	now := j.clock()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			Issuer:    j.Issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Operator: operator,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.Secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies token and returns its claims.
func (j *JWT) Parse(token string) (*Claims, error) {
	if len(j.Secret) == 0 {
		return nil, ErrUnauthorized
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.clock),
	}
	if j.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

func (j *JWT) Validate(token string) error {
	_, err := j.Parse(token)
	return err
}

func (j *JWT) clock() time.Time {
	if j.now == nil {
		return time.Now()
	}
	return j.now()
}
