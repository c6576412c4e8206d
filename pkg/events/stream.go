package events

import (
	"context"
	"sync"
	"time"
)

// Stream is the ordered, finite event sequence of one session. It is
// written by the owning orchestrator and read by at most one subscriber
// at a time. The full sequence is retained for the lifetime of the
// session so a reattaching subscriber can resume from its last
// acknowledged sequence number.
type Stream struct {
	sessionID  string
	hbInterval time.Duration
	bufferSize int

	mu   sync.Mutex
	cond *sync.Cond

	log         []Event
	lastSeq     int64
	consumedSeq int64 // highest seq handed to the active subscriber
	hbCount     int64
	lastPublish time.Time
	closed      bool

	// subGen invalidates the previous subscriber when a new one
	// attaches; the stream is single-subscriber by contract.
	subGen int
}

// NewStream creates a stream and starts its heartbeat loop.
// hbInterval is H; bufferSize is B_evt.
func NewStream(sessionID string, hbInterval time.Duration, bufferSize int) *Stream {
	s := &Stream{
		sessionID:   sessionID,
		hbInterval:  hbInterval,
		bufferSize:  bufferSize,
		lastPublish: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.runHeartbeat()
	return s
}

// SessionID returns the owning session id.
func (s *Stream) SessionID() string { return s.sessionID }

// Publish appends an event to the sequence. Publishing a terminal kind
// closes the stream; later publishes are dropped. Under back-pressure
// (more than bufferSize undelivered events) a worker.token event whose
// role matches the newest undelivered token event is folded into it
// instead of consuming a new sequence number.
func (s *Stream) Publish(kind Kind, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if kind == KindWorkerToken && s.backlogLocked() >= int64(s.bufferSize) {
		if s.coalesceLocked(payload) {
			s.lastPublish = time.Now()
			s.cond.Broadcast()
			return
		}
	}

	s.appendLocked(kind, payload)
}

// appendLocked assigns the next seq and appends. Caller holds mu.
func (s *Stream) appendLocked(kind Kind, payload any) {
	s.lastSeq++
	s.log = append(s.log, Event{
		Seq:     s.lastSeq,
		Type:    kind,
		TS:      time.Now().UnixMilli(),
		Payload: payload,
	})
	s.lastPublish = time.Now()
	if kind.Terminal() {
		s.closed = true
	}
	s.cond.Broadcast()
}

// backlogLocked counts undelivered events. Seq numbers are contiguous,
// so the difference is exact.
func (s *Stream) backlogLocked() int64 {
	return s.lastSeq - s.consumedSeq
}

// coalesceLocked folds a token payload into the newest undelivered
// event when that event is a token for the same role. Returns false
// when the newest event is of another kind, another role, or already
// delivered — consecutive-only coalescing keeps the per-worker
// append-only property intact.
func (s *Stream) coalesceLocked(payload any) bool {
	in, ok := payload.(WorkerTokenPayload)
	if !ok || len(s.log) == 0 {
		return false
	}
	last := &s.log[len(s.log)-1]
	if last.Seq <= s.consumedSeq || last.Type != KindWorkerToken {
		return false
	}
	prev, ok := last.Payload.(WorkerTokenPayload)
	if !ok || prev.Role != in.Role || prev.Stage != in.Stage {
		return false
	}
	prev.Text += in.Text
	last.Payload = prev
	return true
}

// Subscribe attaches the single subscriber, replaying every retained
// event with seq > fromSeq and then following the live sequence. The
// returned channel closes after the terminal event has been delivered,
// or when ctx is cancelled, or when a newer subscriber attaches.
func (s *Stream) Subscribe(ctx context.Context, fromSeq int64) <-chan Event {
	ch := make(chan Event)

	s.mu.Lock()
	s.subGen++
	gen := s.subGen
	// The new subscriber owns delivery tracking from its resume point.
	s.consumedSeq = fromSeq
	s.cond.Broadcast()
	s.mu.Unlock()

	// Wake the delivery loop when the subscriber goes away.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})

	go func() {
		defer close(ch)
		defer stop()

		next := fromSeq + 1
		for {
			s.mu.Lock()
			for !s.hasEventLocked(next) && !s.closed && gen == s.subGen && ctx.Err() == nil {
				s.cond.Wait()
			}
			if gen != s.subGen || ctx.Err() != nil {
				s.mu.Unlock()
				return
			}
			if !s.hasEventLocked(next) {
				// Closed and fully drained.
				s.mu.Unlock()
				return
			}
			evt := s.eventLocked(next)
			if evt.Seq > s.consumedSeq {
				s.consumedSeq = evt.Seq
			}
			s.mu.Unlock()

			select {
			case ch <- evt:
				next = evt.Seq + 1
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// hasEventLocked reports whether an event with the given seq exists.
func (s *Stream) hasEventLocked(seq int64) bool {
	return seq >= 1 && seq <= s.lastSeq
}

// eventLocked returns the event with the given seq. The log is dense
// (one entry per seq), so this is a direct index.
func (s *Stream) eventLocked(seq int64) Event {
	return s.log[seq-1]
}

// Closed reports whether the terminal event has been published.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LastSeq returns the highest assigned sequence number.
func (s *Stream) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// runHeartbeat publishes a heartbeat whenever the stream has been idle
// for hbInterval. Exits when the stream closes.
func (s *Stream) runHeartbeat() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		idle := time.Since(s.lastPublish)
		if idle >= s.hbInterval {
			s.hbCount++
			s.appendLocked(KindHeartbeat, HeartbeatPayload{Count: s.hbCount})
			idle = 0
		}
		wait := s.hbInterval - idle
		s.mu.Unlock()

		time.Sleep(wait)
	}
}
