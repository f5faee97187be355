package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	ngroklib "golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"
)

var errNoAuthToken = errors.New("ngrok auth token is required (set tunnel.authtoken in config or QUANTRUN_NGROK_AUTHTOKEN env var)")

// NgrokTunnel publishes the server through an ngrok HTTPS endpoint.
type NgrokTunnel struct {
	authToken string
	domain    string

	mu       sync.Mutex
	listener net.Listener
	url      string
}

// NewNgrok creates an unstarted tunnel. An empty domain gets a random
// ngrok subdomain.
func NewNgrok(authToken, domain string) *NgrokTunnel {
	return &NgrokTunnel{authToken: authToken, domain: domain}
}

// Start opens the ngrok listener and returns its public URL. localAddr is
// only logged: requests arrive on Listener, not on the local address.
func (n *NgrokTunnel) Start(ctx context.Context, localAddr string) (string, error) {
	if n.authToken == "" {
		return "", errNoAuthToken
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener != nil {
		return n.url, nil
	}

	slog.Info("opening ngrok endpoint", "local_addr", localAddr, "domain", n.domain)

	l, err := ngroklib.Listen(ctx,
		ngrokconfig.HTTPEndpoint(n.endpointOptions()...),
		ngroklib.WithAuthtoken(n.authToken))
	if err != nil {
		return "", fmt.Errorf("creating ngrok tunnel: %w", err)
	}

	n.listener = l
	n.url = normalizeURL(l.Addr().String())
	slog.Info("ngrok endpoint online", "public_url", n.url)
	return n.url, nil
}

// endpointOptions pins the domain when one is configured.
func (n *NgrokTunnel) endpointOptions() []ngrokconfig.HTTPEndpointOption {
	if n.domain == "" {
		return nil
	}
	return []ngrokconfig.HTTPEndpointOption{ngrokconfig.WithDomain(n.domain)}
}

// normalizeURL ensures the listener address carries a scheme.
func normalizeURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "https://" + addr
}

// Close shuts the endpoint down. Closing an unstarted tunnel is a no-op.
func (n *NgrokTunnel) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}

	slog.Info("closing ngrok endpoint", "public_url", n.url)
	err := n.listener.Close()
	n.listener = nil
	n.url = ""
	if err != nil {
		return fmt.Errorf("closing ngrok tunnel: %w", err)
	}
	return nil
}

// PublicURL returns the endpoint URL, empty before Start.
func (n *NgrokTunnel) PublicURL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.url
}

// Listener returns the listener requests arrive on, nil before Start.
func (n *NgrokTunnel) Listener() net.Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listener
}
