package service

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// IdentityClaims is what the identity service puts in its bearer tokens.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	SubjectID int    `json:"subject_id"`
}

// AuthService validates identity tokens issued by the identity service.
type AuthService struct {
	secret []byte
	now    Clock
}

// NewAuthService creates a new AuthService.
func NewAuthService(secret string) *AuthService {
	return &AuthService{secret: []byte(secret), now: time.Now}
}

// ValidateToken parses an identity JWT into a Principal.
func (s *AuthService) ValidateToken(tokenStr string) (*model.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &IdentityClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid || claims.SubjectID <= 0 {
		return nil, fmt.Errorf("%w: invalid identity claims", ErrUnauthorized)
	}

	return &model.Principal{SubjectID: claims.SubjectID, Role: claims.Role}, nil
}

// GenerateToken signs an identity token. The identity service owns this in
// production; the core uses it for tooling and tests.
func (s *AuthService) GenerateToken(p model.Principal, ttl time.Duration) (string, error) {
	if p.SubjectID <= 0 {
		return "", errors.New("subject id is required")
	}
	now := s.now()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   strconv.Itoa(p.SubjectID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:      p.Role,
		SubjectID: p.SubjectID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
