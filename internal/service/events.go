package service

// Fault and lifecycle notifications. These are observations, not errors: a
// consistency fault means a cross-instance side effect could not be
// confirmed after the primary mutation already committed, so it must reach
// operators without failing the command that caused it.

type EventKind string

const (
	// Ready: Run finished startup; the service accepts commands.
	Ready EventKind = "ready"
	// Closed: the service shut down. Err carries the drain error, if any.
	Closed EventKind = "closed"
	// StoreConsistencyFailure: a state cleanup step failed and left the
	// store possibly inconsistent with reality.
	StoreConsistencyFailure EventKind = "storeConsistencyFailure"
	// TransportConsistencyFailure: a channel or bus side effect could not
	// be confirmed.
	TransportConsistencyFailure EventKind = "transportConsistencyFailure"
	// LockTimeExceeded: a lock holder overran its TTL and was taken over.
	LockTimeExceeded EventKind = "lockTimeExceeded"
)

// OpInfo locates the operation a fault belongs to.
type OpInfo struct {
	OpType   string `json:"opType,omitempty"`
	UserName string `json:"userName,omitempty"`
	RoomName string `json:"roomName,omitempty"`
	SocketID string `json:"id,omitempty"`
}

type Event struct {
	Kind   EventKind
	Err    error
	LockID string
	Op     OpInfo
}

// Events is the observer channel. Emission never blocks a command: when no
// observer drains the buffer, overflowing events are dropped with a warning.
func (s *Service) Events() <-chan Event {
	return s.events
}

func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event buffer full, dropping", "kind", ev.Kind, "err", ev.Err)
	}
}

func (s *Service) storeFault(err error, op OpInfo) {
	s.log.Error("store consistency failure", "op", op.OpType, "user", op.UserName,
		"room", op.RoomName, "err", err)
	s.emit(Event{Kind: StoreConsistencyFailure, Err: err, Op: op})
}

func (s *Service) transportFault(err error, op OpInfo) {
	s.log.Warn("transport consistency failure", "op", op.OpType, "user", op.UserName,
		"room", op.RoomName, "err", err)
	s.emit(Event{Kind: TransportConsistencyFailure, Err: err, Op: op})
}
