package streamer

import (
	"sync"
)

// Manager provides in-memory pub/sub for turn event streams, with a
// per-turn ring buffer for replay and Last-Event-ID support.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a turn; the caller must drain it
// and call Unsubscribe.
func (m *Manager) Subscribe(turnID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[turnID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[turnID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(turnID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[turnID]; ok {
		if _, member := subs[ch]; !member {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, turnID)
		}
	}
}

// Publish assigns the next sequence number, records the event in the turn's
// ring, and fans it out without blocking. Slow subscribers drop frames but
// can recover via ReplaySince. Fan-out happens under the lock: sends never
// block, and Unsubscribe cannot close a channel mid-send.
func (m *Manager) Publish(turnID string, evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[turnID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[turnID] = rg
	}
	evt.TurnID = turnID
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)

	for ch := range m.subscribers[turnID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns recorded events with Seq > since, best-effort within
// ring capacity.
func (m *Manager) ReplaySince(turnID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[turnID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Drop discards the turn's history once the stream is fully consumed.
func (m *Manager) Drop(turnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, turnID)
}

// Turn binds a Manager to one turn id so emitters do not carry the id
// around.
type Turn struct {
	mgr *Manager
	id  string
}

func (m *Manager) Turn(turnID string) *Turn {
	return &Turn{mgr: m, id: turnID}
}

func (t *Turn) ID() string { return t.id }

func (t *Turn) Progress(step, status string) {
	t.mgr.Publish(t.id, Progress(step, status))
}

// StreamText tokenizes text and publishes one delta per token.
func (t *Turn) StreamText(text string) {
	for _, token := range Tokenize(text) {
		t.mgr.Publish(t.id, Delta(token))
	}
}

func (t *Turn) Final(evt Event) {
	t.mgr.Publish(t.id, evt)
}

func (t *Turn) Done() {
	t.mgr.Publish(t.id, Done())
}

type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequence numbers start at 1 so ReplaySince(id) with a zero id (no
// Last-Event-ID header) replays from the first frame.
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
