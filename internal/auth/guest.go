package auth

import (
	"net/http"

	"github.com/trac-platform/gateway/internal/config"
)

func init() {
	RegisterProvider("guest", func(cfg config.AuthConfig) (Provider, error) {
		return &GuestProvider{
			user: UserInfo{UserID: "guest", DisplayName: "Guest User"},
		}, nil
	})
}

// GuestProvider authorizes every request as a fixed guest user. It is the
// default provider for development and open deployments; real identity
// providers register under their own names.
type GuestProvider struct {
	user UserInfo
}

// Name implements Provider.
func (p *GuestProvider) Name() string { return "guest" }

// Attempt implements Provider. Guest auth never fails and needs no content.
func (p *GuestProvider) Attempt(w http.ResponseWriter, r *http.Request, content []byte) Result {
	return AuthorizedAs(p.user)
}
