package status

import (
	"fmt"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/tomacheese/watch-vrchat-user/pkg/version"
)

const (
	// ServiceType is the mDNS service type for watcher status endpoints.
	ServiceType = "_vrchat-watch._tcp"

	// Domain is the mDNS domain.
	Domain = "local."
)

// Advertiser announces the status endpoint over mDNS so LAN tooling
// can find running watchers.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an idle advertiser.
func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start registers the service on all interfaces. The TXT record
// carries the watcher version. A previous registration is withdrawn
// first.
func (a *Advertiser) Start(instance string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	txt := []string{"version=" + version.Current}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("registering mdns service: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the advertisement. Safe to call when idle.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
