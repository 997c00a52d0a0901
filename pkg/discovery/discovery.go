// Package discovery advertises relays on the local network over mDNS and
// finds them from canvasctl.
package discovery

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

const ServiceType = "_canvas-relay._tcp"

// Relay is one advertised relay.
type Relay struct {
	Instance string
	Addr     string
	Version  string
}

// URL returns the http base url of the relay.
func (r Relay) URL() string {
	return "http://" + r.Addr
}

// Advertise announces a relay listening on port until the returned server
// is shut down.
func Advertise(port int, version string) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("could not get hostname: %w", err)
	}
	service, err := mdns.NewMDNSService(host, ServiceType, "", "", port, nil, []string{"version=" + version})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	return server, nil
}

// Browse collects relays answering within timeout, sorted by address.
func Browse(timeout time.Duration) ([]Relay, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	seen := make(map[string]Relay)
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if r, ok := relayFromEntry(e); ok {
				mu.Lock()
				seen[r.Addr] = r
				mu.Unlock()
			}
		}
	}()
	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	<-done
	if err != nil {
		return nil, fmt.Errorf("failed to query mDNS: %w", err)
	}

	out := make([]Relay, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}

func relayFromEntry(e *mdns.ServiceEntry) (Relay, bool) {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return Relay{}, false
	}
	r := Relay{
		Instance: strings.TrimSuffix(e.Name, "."+ServiceType+".local."),
		Addr:     net.JoinHostPort(e.AddrV4.String(), fmt.Sprint(e.Port)),
	}
	for _, field := range e.InfoFields {
		if v, ok := strings.CutPrefix(field, "version="); ok {
			r.Version = v
		}
	}
	return r, true
}
