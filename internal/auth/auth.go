package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"roomcast/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/blake2b"
)

const DefaultTokenExpiry = 12 * time.Hour

// Verifier validates that a session token belongs to a user. It is the
// messaging core's only view of the authentication collaborator.
type Verifier interface {
	Verify(userID, token string) error
	UserID(token string) (string, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type Session struct {
	UserID    string `json:"userId"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // Unix seconds
}

// AuthService issues and verifies opaque session tokens. Only keyed hashes
// of tokens are kept in memory.
type AuthService struct {
	Config
	key        [32]byte
	liveTokens geche.Geche[string, string]
	userTokens *geche.Locker[string, []string]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		key:        blake2b.Sum256(config.secretBytes),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		userTokens: geche.NewLocker[string, []string](geche.NewMapCache[string, []string]()),
		now:        time.Now,
	}, nil
}

func (as *AuthService) hashToken(token string) string {
	h, err := blake2b.New256(as.key[:])
	if err != nil {
		// Only fails for keys longer than 64 bytes.
		panic(err)
	}
	h.Write([]byte(token))
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

// Issue creates a new session token for userID.
func (as *AuthService) Issue(userID string) (Session, error) {
	if userID == "" {
		return Session{}, errors.New("user id is required")
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("token issue failed", "user_id", userID, "error", err)
		return Session{}, err
	}

	hash := as.hashToken(token)
	as.liveTokens.Set(hash, userID)

	tx := as.userTokens.Lock()
	defer tx.Unlock()
	hashes, _ := tx.Get(userID)
	tx.Set(userID, append(as.live(hashes), hash))

	return Session{
		UserID:    userID,
		Token:     token,
		ExpiresAt: as.now().Add(as.TokenExpiry).Unix(),
	}, nil
}

// UserID resolves a live token to its owner.
func (as *AuthService) UserID(token string) (string, error) {
	if token == "" {
		return "", models.ErrIdentityUnverified
	}
	userID, err := as.liveTokens.Get(as.hashToken(token))
	if err != nil {
		return "", fmt.Errorf("%w: unknown or expired token", models.ErrIdentityUnverified)
	}
	return userID, nil
}

// Verify checks that token is a live session of userID.
func (as *AuthService) Verify(userID, token string) error {
	owner, err := as.UserID(token)
	if err != nil {
		return err
	}
	if owner != userID {
		return fmt.Errorf("%w: token does not belong to %s", models.ErrIdentityUnverified, userID)
	}
	return nil
}

// live drops hashes that were revoked or expired from liveTokens.
func (as *AuthService) live(hashes []string) []string {
	return slices.DeleteFunc(hashes, func(h string) bool {
		_, err := as.liveTokens.Get(h)
		return err != nil
	})
}

func (as *AuthService) Revoke(token string) error {
	hash := as.hashToken(token)
	userID, err := as.liveTokens.Get(hash)
	if err != nil {
		return nil
	}
	if err := as.liveTokens.Del(hash); err != nil {
		return err
	}

	tx := as.userTokens.Lock()
	defer tx.Unlock()
	hashes, err := tx.Get(userID)
	if err != nil {
		return nil
	}
	if hashes = as.live(hashes); len(hashes) == 0 {
		return tx.Del(userID)
	}
	tx.Set(userID, hashes)
	return nil
}

// RevokeUser drops every session issued to userID.
func (as *AuthService) RevokeUser(userID string) {
	tx := as.userTokens.Lock()
	defer tx.Unlock()
	hashes, err := tx.Get(userID)
	if err != nil {
		return
	}
	for _, h := range hashes {
		_ = as.liveTokens.Del(h)
	}
	_ = tx.Del(userID)
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
