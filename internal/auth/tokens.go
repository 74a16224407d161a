package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/suPer8Hu/shopchat/internal/models"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
	ErrWrongType    = errors.New("wrong token type")
)

// Identity is what a token asserts about its holder.
type Identity struct {
	UserID   uint64
	Username string
	Email    string
	IsAdmin  bool
}

// IdentityOf builds the identity for a stored user, so new tokens always
// reflect the current row rather than older claims.
func IdentityOf(u *models.User) Identity {
	return Identity{UserID: u.ID, Username: u.Username, Email: u.Email, IsAdmin: u.IsAdmin}
}

type Claims struct {
	UserID  uint64 `json:"uid"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
	Type    string `json:"type"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Username: c.Subject, Email: c.Email, IsAdmin: c.IsAdmin}
}

type TokenService struct {
	secret        []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	refreshWindow time.Duration
	blacklist     Blacklist
	now           func() time.Time
}

func NewTokenService(secret string, accessTTL, refreshTTL, refreshWindow time.Duration, bl Blacklist) *TokenService {
	if bl == nil {
		bl = NewMemoryBlacklist()
	}
	return &TokenService{
		secret:        []byte(secret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		refreshWindow: refreshWindow,
		blacklist:     bl,
		now:           time.Now,
	}
}

func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }
func (s *TokenService) Blacklist() Blacklist     { return s.blacklist }

func (s *TokenService) sign(id Identity, typ string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID:  id.UserID,
		Email:   id.Email,
		IsAdmin: id.IsAdmin,
		Type:    typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Username,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *TokenService) IssueAccess(id Identity) (string, error) {
	return s.sign(id, TypeAccess, s.accessTTL)
}

func (s *TokenService) IssueRefresh(id Identity) (string, error) {
	return s.sign(id, TypeRefresh, s.refreshTTL)
}

func (s *TokenService) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

// Parse verifies signature, expiry and the blacklist.
func (s *TokenService) Parse(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}
	revoked, err := s.blacklist.Contains(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("blacklist lookup: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return s.parse(token)
}

func (s *TokenService) parseTyped(ctx context.Context, token, typ string) (*Claims, error) {
	c, err := s.Parse(ctx, token)
	if err != nil {
		return nil, err
	}
	if c.Type != typ {
		return nil, ErrWrongType
	}
	return c, nil
}

func (s *TokenService) ParseAccess(ctx context.Context, token string) (*Claims, error) {
	return s.parseTyped(ctx, token, TypeAccess)
}

func (s *TokenService) ParseRefresh(ctx context.Context, token string) (*Claims, error) {
	return s.parseTyped(ctx, token, TypeRefresh)
}

// NeedsRefresh reports whether c expires within the refresh window.
func (s *TokenService) NeedsRefresh(c *Claims) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Time.Sub(s.now()) <= s.refreshWindow
}

// Revoke blacklists token until it would have expired anyway. Tokens that
// are already invalid or expired are ignored.
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	c, err := s.parse(token)
	if err != nil {
		return nil
	}
	return s.blacklist.Add(ctx, token, c.ExpiresAt.Time)
}
