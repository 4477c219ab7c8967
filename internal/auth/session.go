package auth

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/trac-platform/gateway/internal/config"
)

// UserInfo identifies an authenticated user.
type UserInfo struct {
	UserID      string
	DisplayName string
}

// Session is the immutable authenticated-session value carried by a token.
// Invariants: Issue <= Expiry <= ExpiryLimit; a valid session always has a
// UserID; Delegate, when set, never equals the primary user.
type Session struct {
	UserID       string
	UserName     string
	DelegateID   string
	DelegateName string

	Issue       time.Time
	Expiry      time.Time
	ExpiryLimit time.Time

	Valid        bool
	ErrorMessage string
}

// HasDelegate reports whether this is a delegate session.
func (s Session) HasDelegate() bool {
	return s.DelegateID != ""
}

// invalidSession builds the invalid-session value carrying the error text.
func invalidSession(msg string) Session {
	return Session{Valid: false, ErrorMessage: msg}
}

// decodeCacheSize bounds the validated-token cache. Entries are small; the
// bound only matters under credential churn.
const decodeCacheSize = 4096

// SessionManager decides when sessions are minted, refreshed or rejected.
type SessionManager struct {
	cfg     config.AuthConfig
	tokens  *TokenProcessor
	decoded *lru.Cache[string, Session]
	now     func() time.Time
}

// NewSessionManager creates a session manager over the given token processor.
func NewSessionManager(cfg config.AuthConfig, tokens *TokenProcessor) *SessionManager {
	decoded, _ := lru.New[string, Session](decodeCacheSize)
	return &SessionManager{cfg: cfg, tokens: tokens, decoded: decoded, now: time.Now}
}

// Tokens exposes the underlying token processor.
func (m *SessionManager) Tokens() *TokenProcessor {
	return m.tokens
}

// Decode validates a token, serving repeat lookups from an in-memory cache.
// A token's session value never changes, so entries live for the cache's
// lifetime; expiry is judged against the clock at each use, not at decode.
func (m *SessionManager) Decode(token string) Session {
	if s, ok := m.decoded.Get(token); ok {
		return s
	}
	s := m.tokens.Validate(token)
	if s.Valid {
		m.decoded.Add(token, s)
	}
	return s
}

// NewSession mints a session for a freshly authenticated user.
func (m *SessionManager) NewSession(user UserInfo) Session {
	now := m.now().Truncate(time.Second)
	return Session{
		UserID:      user.UserID,
		UserName:    user.DisplayName,
		Issue:       now,
		Expiry:      now.Add(m.cfg.JwtExpiryDuration()),
		ExpiryLimit: now.Add(m.cfg.JwtLimitDuration()),
		Valid:       true,
	}
}

// NewDelegateSession mints a short-lived session identifying the system user
// as primary and a real user as delegate.
func (m *SessionManager) NewDelegateSession(delegate UserInfo) (Session, error) {
	if delegate.UserID == "" {
		return Session{}, fmt.Errorf("delegate session requires a delegate user id")
	}
	if delegate.UserID == m.cfg.SystemUserID {
		return Session{}, fmt.Errorf("delegate user cannot be the system user")
	}
	now := m.now().Truncate(time.Second)
	duration := time.Duration(m.cfg.SystemTicketDuration) * time.Second
	return Session{
		UserID:       m.cfg.SystemUserID,
		UserName:     m.cfg.SystemUserName,
		DelegateID:   delegate.UserID,
		DelegateName: delegate.DisplayName,
		Issue:        now,
		Expiry:       now.Add(duration),
		ExpiryLimit:  now.Add(duration),
		Valid:        true,
	}, nil
}

// NeedsRefresh reports whether an authorized request should trigger a fresh
// token: the session is past its refresh threshold but under its limit.
func (m *SessionManager) NeedsRefresh(s Session) bool {
	if !s.Valid {
		return false
	}
	now := m.now()
	return now.After(s.Issue.Add(m.cfg.RefreshThresholdDuration())) && now.Before(s.ExpiryLimit)
}

// Refresh re-issues a still-valid session. The new expiry never exceeds the
// original limit; a session past its limit does not refresh.
func (m *SessionManager) Refresh(s Session) (Session, error) {
	if !s.Valid {
		return Session{}, fmt.Errorf("cannot refresh an invalid session")
	}
	now := m.now().Truncate(time.Second)
	if !now.Before(s.ExpiryLimit) {
		return Session{}, fmt.Errorf("session expiry limit reached")
	}
	expiry := now.Add(m.cfg.JwtExpiryDuration())
	if expiry.After(s.ExpiryLimit) {
		expiry = s.ExpiryLimit
	}
	refreshed := s
	refreshed.Issue = now
	refreshed.Expiry = expiry
	return refreshed, nil
}

// Expired reports whether the session is past its expiry at the current time.
func (m *SessionManager) Expired(s Session) bool {
	return !m.now().Before(s.Expiry)
}
