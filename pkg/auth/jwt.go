package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Role string

const (
	RoleLender   Role = "lender"
	RoleBorrower Role = "borrower"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleLender || r == RoleBorrower || r == RoleAdmin
}

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID uuid.UUID
	Role   Role
}

type Claims struct {
	UserID string `json:"uid"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager mints and verifies HS256 bearer tokens. Tokens are issued by an
// external identity provider in production; Mint exists for tooling and tests.
type JWTManager struct {
	issuer string
	secret []byte
	now    func() time.Time
}

func NewJWTManager(issuer, signingKey string) *JWTManager {
	return &JWTManager{
		issuer: issuer,
		secret: []byte(signingKey),
		now:    time.Now,
	}
}

func (m *JWTManager) Mint(id Identity, ttl time.Duration) (string, error) {
	now := m.now().UTC()
	claims := Claims{
		UserID: id.UserID.String(),
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   id.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(m.secret)
}

func (m *JWTManager) Parse(tokenString string) (Identity, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(m.now))
	if err != nil {
		return Identity{}, err
	}
	if !tok.Valid {
		return Identity{}, errors.New("invalid token")
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid uid claim: %w", err)
	}
	if !claims.Role.Valid() {
		return Identity{}, fmt.Errorf("invalid role claim %q", claims.Role)
	}
	return Identity{UserID: userID, Role: claims.Role}, nil
}
