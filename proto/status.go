package proto

// ConnectionStatus is the normalized connection state every broker reports.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusFailed       ConnectionStatus = "failed"
)

func (s ConnectionStatus) String() string {
	return string(s)
}
