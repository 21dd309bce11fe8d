package runtime

// Status describes the supervised state of one backend runtime process.
type Status int

const (
	// StatusStarting means the process was spawned but is not yet accepting
	// connections on its endpoint.
	StatusStarting Status = iota
	// StatusReady means the endpoint answered the readiness probe.
	StatusReady
	// StatusCrashed means the process exited and a restart is pending.
	StatusCrashed
	// StatusStopped is terminal: shutdown, or restart budget exhausted.
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusCrashed:
		return "crashed"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type msgKind int

const (
	msgStartAll msgKind = iota
	msgGetURI
	msgStatuses
	msgHeartbeatTimeout
	msgFsChanged
	msgProcessReady
	msgProcessExited
	msgStartOne
)

// uriReply carries the outcome of one endpoint lookup. Each lookup gets its
// own reply channel (capacity 1) so replies can never cross between
// concurrent requesters.
type uriReply struct {
	endpoint string
	err      error
}

// message is the control protocol vocabulary. The inbox delivers messages to
// the controller goroutine strictly in arrival order.
type message struct {
	kind     msgKind
	name     string
	instance string
	endpoint string
	err      error
	reply    chan uriReply
	statuses chan map[string]Status
}
