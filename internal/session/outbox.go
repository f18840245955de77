package session

// pending is one non-idempotent emit waiting for its channel.
type pending struct {
	Seq     uint64
	Event   string
	Payload any
}

// outbox holds chat emits made while the chat channel was down, in sequence
// order. Sequence numbers are handed out for every message, queued or not,
// so the server can drop duplicates.
type outbox struct {
	seq   uint64
	items []pending
	limit int
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = 1
	}
	return &outbox{limit: limit}
}

func (o *outbox) next() uint64 {
	o.seq++
	return o.seq
}

// push queues p and returns how many of the oldest items were dropped to
// stay within the limit.
func (o *outbox) push(p pending) int {
	o.items = append(o.items, p)
	return o.trim()
}

// drain empties the outbox and returns its items oldest first.
func (o *outbox) drain() []pending {
	items := o.items
	o.items = nil
	return items
}

// restore puts unsent items back in front of anything queued since drain.
func (o *outbox) restore(items []pending) int {
	if len(items) == 0 {
		return 0
	}
	o.items = append(append([]pending(nil), items...), o.items...)
	return o.trim()
}

func (o *outbox) trim() int {
	over := len(o.items) - o.limit
	if over <= 0 {
		return 0
	}
	o.items = append([]pending(nil), o.items[over:]...)
	return over
}

func (o *outbox) len() int { return len(o.items) }

func (o *outbox) reset() { o.items = nil }
