package discovery

import (
	"net"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/hashicorp/mdns"
)

func TestRelayFromEntry(t *testing.T) {
	r, ok := relayFromEntry(&mdns.ServiceEntry{
		Name:       "studio." + ServiceType + ".local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       8080,
		InfoFields: []string{"version=1.2.0"},
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, Relay{Instance: "studio", Addr: "192.168.1.20:8080", Version: "1.2.0"}, r)
	assert.Equal(t, "http://192.168.1.20:8080", r.URL())
}

func TestRelayFromEntrySkipsIncomplete(t *testing.T) {
	_, ok := relayFromEntry(&mdns.ServiceEntry{Name: "x", Port: 8080})
	assert.Equal(t, false, ok)
	_, ok = relayFromEntry(&mdns.ServiceEntry{Name: "x", AddrV4: net.IPv4(10, 0, 0, 1)})
	assert.Equal(t, false, ok)
}
