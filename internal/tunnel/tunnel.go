// Package tunnel publishes the HTTP server on a public URL so remote
// dashboards can reach the log streams without port forwarding.
package tunnel

import (
	"context"
	"fmt"
	"net"

	"github.com/btouchard/quantrun/internal/config"
)

// Tunnel exposes a local address via a public HTTPS URL.
type Tunnel interface {
	Start(ctx context.Context, localAddr string) (publicURL string, err error)
	Close() error
	PublicURL() string
	Listener() net.Listener
}

// New returns the tunnel for cfg.Provider.
func New(cfg config.TunnelConfig) (Tunnel, error) {
	switch cfg.Provider {
	case "", "ngrok":
		return NewNgrok(cfg.AuthToken, cfg.Domain), nil
	default:
		return nil, fmt.Errorf("unsupported tunnel provider %q", cfg.Provider)
	}
}
