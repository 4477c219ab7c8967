package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trac-platform/gateway/internal/config"
)

// DelegateSource produces call credentials for internal RPC fan-out: a
// short-lived session identifying the system user as primary and a real user
// as delegate. The token is re-minted when it nears expiry, never beyond the
// original session's limit.
type DelegateSource struct {
	sessions *SessionManager
	refresh  time.Duration
	limit    time.Time
	delegate UserInfo

	mu     sync.Mutex
	token  string
	expiry time.Time
	now    func() time.Time
}

// NewDelegateSource builds a credential source for the given delegate user.
// The limit is taken from the originating client session so a delegate chain
// can never outlive the session that started it.
func NewDelegateSource(cfg config.AuthConfig, sessions *SessionManager, origin Session) (*DelegateSource, error) {
	if !origin.Valid {
		return nil, fmt.Errorf("delegate credentials require a valid originating session")
	}
	return &DelegateSource{
		sessions: sessions,
		refresh:  time.Duration(cfg.SystemTicketRefresh) * time.Second,
		limit:    origin.ExpiryLimit,
		delegate: UserInfo{UserID: origin.UserID, DisplayName: origin.UserName},
		now:      time.Now,
	}, nil
}

// Token returns a delegate token, re-minting when the cached one is within
// the ticket-refresh interval of expiry.
func (d *DelegateSource) Token() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if d.token != "" && now.Add(d.refresh).Before(d.expiry) {
		return d.token, nil
	}
	if !now.Before(d.limit) {
		return "", fmt.Errorf("delegate session limit reached")
	}

	s, err := d.sessions.NewDelegateSession(d.delegate)
	if err != nil {
		return "", err
	}
	if s.Expiry.After(d.limit) {
		s.Expiry = d.limit
		s.ExpiryLimit = d.limit
	}
	token, err := d.sessions.Tokens().Sign(s)
	if err != nil {
		return "", err
	}
	d.token = token
	d.expiry = s.Expiry
	return token, nil
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (d *DelegateSource) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	token, err := d.Token()
	if err != nil {
		return nil, err
	}
	return map[string]string{TokenHeader: token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
// Internal fan-out runs on the platform network, plaintext included.
func (d *DelegateSource) RequireTransportSecurity() bool {
	return false
}
