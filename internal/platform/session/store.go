// Package session keeps login sessions for the web front end. A session is
// identified by a cookie of the form "<id>:<token>"; only the id is used as a
// lookup key and the token is compared in constant time.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrBadCookie = errors.New("malformed session cookie")
)

type Session struct {
	ID           string    `json:"id"`
	Token        string    `json:"token"`
	UserID       int64     `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// CookieValue is what the client stores in the session cookie.
func (s *Session) CookieValue() string {
	return s.ID + ":" + s.Token
}

// Store persists sessions with an idle timeout.
type Store interface {
	Create(ctx context.Context, userID int64) (*Session, error)
	Get(ctx context.Context, id, token string) (*Session, error)
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// ParseCookieValue splits "<id>:<token>".
func ParseCookieValue(v string) (id, token string, err error) {
	id, token, ok := strings.Cut(v, ":")
	if !ok || id == "" || token == "" {
		return "", "", ErrBadCookie
	}
	return id, token, nil
}

func newSession(userID int64, now time.Time) (*Session, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	return &Session{
		ID:           uuid.NewString(),
		Token:        hex.EncodeToString(buf),
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
	}, nil
}

func tokenMatches(s *Session, token string) bool {
	return subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) == 1
}
