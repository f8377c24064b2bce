package models

// Ticker is one observed trade price. Timestamp is in unix seconds.
// Quantity is the traded base amount, 0 when the source does not report it.
type Ticker struct {
	Pair      string  `json:"pair"`
	Value     float64 `json:"value"`
	Quantity  float64 `json:"q,omitempty"`
	Timestamp int64   `json:"t"`
}

// ConnectionState is reported by ticker sources on connection changes.
type ConnectionState int

const (
	Connected ConnectionState = iota
	Disconnected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
