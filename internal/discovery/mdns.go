// Package discovery advertises this instance on the LAN over mDNS so
// companion apps can find a running backend without being told its
// address out of band.
package discovery

import (
	"fmt"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

// Advertiser wraps the registered mDNS service record.
type Advertiser struct {
	server *zeroconf.Server
	log    zerolog.Logger
}

// Advertise registers a _screencore._tcp service for the given HTTP
// port. Call Shutdown when the process stops serving.
func Advertise(serviceName string, port int, log zerolog.Logger) (*Advertiser, error) {
	server, err := zeroconf.Register(
		serviceName,
		"_screencore._tcp",
		"local.",
		port,
		[]string{"txtvers=1"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: register mdns service: %w", err)
	}
	log.Info().Str("service", serviceName).Int("port", port).Msg("advertising over mdns")
	return &Advertiser{server: server, log: log}, nil
}

// Shutdown unregisters the service record.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
