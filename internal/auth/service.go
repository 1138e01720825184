package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"studio/server/internal/kv"
	"studio/server/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenExpired = errors.New("token expired")
)

const refreshKeyPrefix = "auth.refresh."

type Claims struct {
	UserID string         `json:"uid"`
	Email  string         `json:"email"`
	Role   model.UserRole `json:"role"`
	jwt.RegisteredClaims
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresInSec int64  `json:"expires_in_sec"`
}

// Service authenticates the single studio operator. Refresh tokens live in
// the key/value store so they survive a restart when a durable driver is
// configured.
type Service struct {
	store      kv.Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	operator *model.User
}

func NewService(st kv.Store, secret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		store:      st,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// SeedOperator installs the operator account. Calling it again with the same
// email is a no-op.
func (s *Service) SeedOperator(email, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operator != nil && strings.EqualFold(s.operator.Email, email) {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash operator password: %w", err)
	}
	now := s.now().UTC()
	s.operator = &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         model.RoleOperator,
		Status:       "active",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

func (s *Service) Operator() (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.operator == nil {
		return model.User{}, false
	}
	return *s.operator, true
}

func (s *Service) userByID(id string) (model.User, bool) {
	u, ok := s.Operator()
	if !ok || u.ID != id {
		return model.User{}, false
	}
	return u, true
}

func (s *Service) Login(ctx context.Context, email, password string) (model.User, Tokens, error) {
	user, ok := s.Operator()
	if !ok || !strings.EqualFold(user.Email, email) {
		return model.User{}, Tokens{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return model.User{}, Tokens{}, ErrUnauthorized
	}
	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return model.User{}, Tokens{}, err
	}
	return user, tokens, nil
}

func (s *Service) ParseAccess(tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Claims{}, ErrUnauthorized
	}
	return *claims, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	tokenID, ok := parseRefreshTokenID(refreshToken)
	if !ok {
		return Tokens{}, ErrUnauthorized
	}
	stored, err := s.loadRefreshToken(ctx, tokenID)
	if err != nil {
		return Tokens{}, err
	}
	if stored.RevokedAt != nil {
		return Tokens{}, ErrUnauthorized
	}
	now := s.now().UTC()
	if stored.ExpiresAt.Before(now) {
		return Tokens{}, ErrTokenExpired
	}
	if !equalHash(stored.TokenHash, hashToken(refreshToken)) {
		return Tokens{}, ErrUnauthorized
	}
	user, ok := s.userByID(stored.UserID)
	if !ok {
		return Tokens{}, ErrUnauthorized
	}
	if err := s.revoke(ctx, stored, now); err != nil {
		return Tokens{}, err
	}
	return s.issueTokens(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	tokenID, ok := parseRefreshTokenID(refreshToken)
	if !ok {
		return ErrUnauthorized
	}
	stored, err := s.loadRefreshToken(ctx, tokenID)
	if err != nil {
		return err
	}
	return s.revoke(ctx, stored, s.now().UTC())
}

// PruneRefreshTokens deletes stored refresh tokens that can no longer be
// redeemed: expired, revoked or unreadable. It returns how many were removed.
func (s *Service) PruneRefreshTokens(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, refreshKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list refresh tokens: %w", err)
	}
	now := s.now().UTC()
	pruned := 0
	for _, key := range keys {
		rt, err := s.loadRefreshToken(ctx, strings.TrimPrefix(key, refreshKeyPrefix))
		if err != nil && !errors.Is(err, ErrUnauthorized) {
			return pruned, err
		}
		if err == nil && rt.RevokedAt == nil && !rt.ExpiresAt.Before(now) {
			continue
		}
		if err := s.store.Remove(ctx, key); err != nil {
			return pruned, fmt.Errorf("remove refresh token: %w", err)
		}
		pruned++
	}
	return pruned, nil
}

func (s *Service) issueTokens(ctx context.Context, user model.User) (Tokens, error) {
	now := s.now().UTC()
	claims := Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "studio-server",
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Tokens{}, fmt.Errorf("sign access token: %w", err)
	}
	refreshID := uuid.NewString()
	secretPart := strings.ReplaceAll(uuid.NewString(), "-", "")
	refreshToken := "rt_" + refreshID + "_" + secretPart
	rt := model.RefreshToken{
		ID:        refreshID,
		UserID:    user.ID,
		TokenHash: hashToken(refreshToken),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.saveRefreshToken(ctx, rt); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresInSec: int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) revoke(ctx context.Context, rt model.RefreshToken, at time.Time) error {
	if rt.RevokedAt != nil {
		return nil
	}
	rt.RevokedAt = &at
	return s.saveRefreshToken(ctx, rt)
}

func (s *Service) saveRefreshToken(ctx context.Context, rt model.RefreshToken) error {
	raw, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("encode refresh token: %w", err)
	}
	if err := s.store.Set(ctx, refreshKeyPrefix+rt.ID, string(raw)); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *Service) loadRefreshToken(ctx context.Context, id string) (model.RefreshToken, error) {
	raw, ok, err := s.store.Get(ctx, refreshKeyPrefix+id)
	if err != nil {
		return model.RefreshToken{}, fmt.Errorf("load refresh token: %w", err)
	}
	if !ok {
		return model.RefreshToken{}, ErrUnauthorized
	}
	var rt model.RefreshToken
	if err := json.Unmarshal([]byte(raw), &rt); err != nil {
		return model.RefreshToken{}, ErrUnauthorized
	}
	return rt, nil
}

func parseRefreshTokenID(refreshToken string) (string, bool) {
	if !strings.HasPrefix(refreshToken, "rt_") {
		return "", false
	}
	parts := strings.Split(refreshToken, "_")
	if len(parts) < 3 {
		return "", false
	}
	return parts[1], true
}

func hashToken(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func equalHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
