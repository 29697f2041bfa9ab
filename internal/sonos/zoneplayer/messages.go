package zoneplayer

import "time"

// MessageKind tags a Message.
type MessageKind int

const (
	// MessageEvent carries a parsed NOTIFY body.
	MessageEvent MessageKind = iota + 1
	// MessageTopology carries a freshly rebuilt topology.
	MessageTopology
	// MessageRebooted reports a boot sequence change. Re-subscription starts
	// after it is delivered.
	MessageRebooted
	// MessageAddressChanged reports a new device address.
	MessageAddressChanged
	// MessageError reports a failure not tied to a caller's request, such as
	// a renewal that failed twice.
	MessageError
)

func (k MessageKind) String() string {
	switch k {
	case MessageEvent:
		return "event"
	case MessageTopology:
		return "topology"
	case MessageRebooted:
		return "rebooted"
	case MessageAddressChanged:
		return "address_changed"
	case MessageError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is what a Client emits on its Messages channel. Which fields are
// set depends on Kind.
type Message struct {
	Kind     MessageKind
	DeviceID string
	At       time.Time

	// MessageEvent
	Device  string
	Service string
	Body    map[string]any

	// MessageTopology
	Topology *Topology

	// MessageRebooted
	BootSeq         int64
	PreviousBootSeq int64

	// MessageAddressChanged
	Address         string
	PreviousAddress string

	// MessageError
	Err error
}
