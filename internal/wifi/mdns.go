package wifi

import (
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"
)

const mdnsService = "_http._tcp"

// MDNSAnnouncer registers the dashboard as an mDNS service.
type MDNSAnnouncer struct {
	logger *slog.Logger
	server *zeroconf.Server
}

func NewMDNSAnnouncer(logger *slog.Logger) *MDNSAnnouncer {
	return &MDNSAnnouncer{logger: logger.With("component", "mdns")}
}

func (a *MDNSAnnouncer) Announce(name string, port int) error {
	server, err := zeroconf.Register(name, mdnsService, "local.", port, []string{"path=/"}, nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	a.server = server
	a.logger.Info("announced", "name", name, "service", mdnsService, "port", port)
	return nil
}

func (a *MDNSAnnouncer) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
