package types

// Event is the immutable completion record delivered to event queues
// and per-WR/EQ callbacks, per spec.md §3. Events are free-listed: a
// consumer that needs to hold onto one past its callback should copy
// it, since the backing record may be recycled.
type Event struct {
	Transport string
	Result    Status
	OpKind    Op
	Peer      PID
	Length    uint64
	Start     uint64
	Offset    uint64
	Context   interface{}
}

// Reset clears an Event back to its zero value so a freelist can hand
// it out again without leaking the previous completion's context.
func (e *Event) Reset() {
	*e = Event{}
}
