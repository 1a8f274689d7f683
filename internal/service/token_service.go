package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const examTokenIssuer = "exstem-proctor"

// ExamClaims is the payload of an exam token. It carries no session identity.
type ExamClaims struct {
	jwt.RegisteredClaims
	ExamID    string `json:"exam_id"`
	SubjectID int    `json:"subject_id"`
}

// TokenService issues and verifies exam tokens.
type TokenService struct {
	schedules ScheduleReader
	secret    []byte
	ttl       time.Duration
	now       Clock
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithTokenClock overrides time.Now.
func WithTokenClock(c Clock) TokenOption {
	return func(s *TokenService) { s.now = c }
}

// NewTokenService creates a new TokenService.
func NewTokenService(schedules ScheduleReader, secret string, ttl time.Duration, opts ...TokenOption) *TokenService {
	s := &TokenService{
		schedules: schedules,
		secret:    []byte(secret),
		ttl:       ttl,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints an exam token for the principal. It has no side effects.
// The token expires after the configured TTL or when the exam window closes,
// whichever comes first.
func (s *TokenService) Issue(ctx context.Context, examID uuid.UUID, p model.Principal) (*model.ExamToken, error) {
	if p.Role != model.RoleStudent {
		return nil, ErrNotEligible
	}

	schedule, err := s.schedules.GetSchedule(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotEligible
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}

	now := s.now()
	if !schedule.ActiveAt(now) {
		return nil, fmt.Errorf("%w: exam window is not open", ErrUnauthorized)
	}

	enrolled, err := s.schedules.IsEnrolled(ctx, examID, p.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("check enrollment: %w", err)
	}
	if !enrolled {
		return nil, ErrNotEligible
	}

	expiresAt := now.Add(s.ttl)
	if schedule.EndsAt.Before(expiresAt) {
		expiresAt = schedule.EndsAt
	}

	claims := ExamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    examTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ExamID:    examID.String(),
		SubjectID: p.SubjectID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign exam token: %w", err)
	}

	return &model.ExamToken{
		Token:     signed,
		ExamID:    examID,
		SubjectID: p.SubjectID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks an exam token offline and returns what it proves.
func (s *TokenService) Verify(tokenStr string) (*model.TokenSubject, error) {
	if tokenStr == "" {
		return nil, ErrTokenInvalid
	}

	token, err := jwt.ParseWithClaims(tokenStr, &ExamClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(examTokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*ExamClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	examID, err := uuid.Parse(claims.ExamID)
	if err != nil || claims.SubjectID <= 0 {
		return nil, ErrTokenInvalid
	}

	return &model.TokenSubject{ExamID: examID, SubjectID: claims.SubjectID}, nil
}
