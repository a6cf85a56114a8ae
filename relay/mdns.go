package relay

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/mdns"
	"github.com/mbocsi/relaychat/broker"
)

// Advertise announces the relay on the local network so devices with no relay URL
// configured can find it. Shutdown the returned server to stop advertising.
func Advertise(instance string, port int) (*mdns.Server, error) {
	service, err := mdns.NewMDNSService(instance, broker.RelayService, "", "", port, nil, []string{"path=/ws"})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}

	slog.Info("Advertising relay", "service", broker.RelayService, "instance", instance, "port", port)
	return server, nil
}
