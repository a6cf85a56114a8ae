package broker

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
)

// RelayService is the mDNS service type relays advertise under.
const RelayService = "_relaychat._tcp"

// DiscoveredRelay is a relay found on the local network.
type DiscoveredRelay struct {
	ServiceName string
	Address     string
	Port        int
	TXTRecords  []string
}

// URL returns the WebSocket endpoint of the relay.
func (d *DiscoveredRelay) URL() string {
	return fmt.Sprintf("ws://%s/ws", net.JoinHostPort(d.Address, strconv.Itoa(d.Port)))
}

// DiscoverRelay returns the first relay that answers an mDNS query within timeout.
func DiscoverRelay(timeout time.Duration) (*DiscoveredRelay, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)
	params := mdns.DefaultParams(RelayService)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true

	go func() {
		defer close(entriesCh)
		if err := mdns.Query(params); err != nil {
			slog.Warn("mDNS query failed", "service", RelayService, "error", err)
		}
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", RelayService)
		}

		var address string
		if entry.AddrV4 != nil {
			address = entry.AddrV4.String()
		} else if entry.AddrV6 != nil {
			address = entry.AddrV6.String()
		} else {
			return nil, fmt.Errorf("no valid address found for service %s", entry.Name)
		}

		relay := &DiscoveredRelay{
			ServiceName: entry.Name,
			Address:     address,
			Port:        entry.Port,
			TXTRecords:  entry.InfoFields,
		}
		slog.Info("Discovered relay", "service_name", relay.ServiceName, "address", relay.Address, "port", relay.Port)
		return relay, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("mDNS discovery timeout for %s", RelayService)
	}
}
