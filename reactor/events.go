package reactor

// Events is a bit set of readiness directions, for Socket.AsyncWait.
type Events uint32

const (
	// EventRead waits for the socket to be readable.
	EventRead Events = 1 << iota
	// EventWrite waits for the socket to be writable.
	EventWrite
)

// String implements fmt.Stringer.
func (x Events) String() string {
	switch x {
	case 0:
		return `none`
	case EventRead:
		return `read`
	case EventWrite:
		return `write`
	case EventRead | EventWrite:
		return `read|write`
	default:
		return `invalid`
	}
}
