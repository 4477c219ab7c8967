package auth

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/trac-platform/gateway/internal/config"
)

// ResultKind enumerates the outcomes of a primary auth attempt.
type ResultKind int

const (
	// Authorized means the provider established a user identity.
	Authorized ResultKind = iota
	// Failed means primary authentication was attempted and rejected.
	Failed
	// Redirected means the provider already wrote a redirect response.
	Redirected
	// OtherResponse means the provider supplies a synthetic reply to send.
	OtherResponse
	// NeedContent asks the caller to aggregate the request body and retry.
	NeedContent
)

// Result is the tagged outcome of a provider attempt. Exactly the fields for
// the given Kind are meaningful.
type Result struct {
	Kind     ResultKind
	User     UserInfo
	Message  string
	Response *SyntheticResponse
}

// SyntheticResponse is a provider-built reply written verbatim to the client.
type SyntheticResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// AuthorizedAs builds an Authorized result for the given user.
func AuthorizedAs(user UserInfo) Result {
	return Result{Kind: Authorized, User: user}
}

// FailedWith builds a Failed result with an optional reason.
func FailedWith(message string) Result {
	return Result{Kind: Failed, Message: message}
}

// Provider attempts primary authentication from request evidence. Content is
// the aggregated request body after a NeedContent round trip, nil on the
// first attempt. A Redirected provider writes its own response to w.
type Provider interface {
	Name() string
	Attempt(w http.ResponseWriter, r *http.Request, content []byte) Result
}

// providerFactory builds a provider from the auth configuration.
type providerFactory func(cfg config.AuthConfig) (Provider, error)

var (
	providersMu sync.RWMutex
	providers   = make(map[string]providerFactory)
)

// RegisterProvider makes a provider available under a configuration name.
func RegisterProvider(name string, factory providerFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = factory
}

// NewProvider instantiates the named provider.
func NewProvider(name string, cfg config.AuthConfig) (Provider, error) {
	providersMu.RLock()
	factory, ok := providers[name]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown auth provider %q (have %v)", name, providerNames())
	}
	return factory(cfg)
}

func providerNames() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
