package bridge

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
)

const (
	// DefaultCapacity is the queue capacity used for both directions.
	DefaultCapacity = 10000

	// ReceiveBufferSize is the size of the buffer handed to each receive call,
	// one Ethernet-MTU sized UDP payload.
	ReceiveBufferSize = 1500
)

var (
	// ErrClosed is returned when using a queue endpoint that is closed, or
	// whose counterpart is gone.
	ErrClosed = errors.New("bridge: queue closed")

	// ErrFull is returned by TrySend when the queue is at capacity.
	ErrFull = errors.New("bridge: queue full")
)

// Datagram is one UDP payload plus its peer address. For outbound datagrams
// Addr is the destination, for inbound ones the source.
type Datagram struct {
	Payload []byte
	Addr    netip.AddrPort
}

// queue is the shared state behind a Sender/Receiver pair.
type queue struct {
	items chan Datagram

	mu       sync.Mutex
	senders  int
	inflight int // sends between admission and return
	finished bool

	sendersDone  chan struct{} // closed once every Sender is closed and no send is in flight
	receiverDone chan struct{} // closed once the Receiver is closed
	recvOnce     sync.Once
}

// Sender is a producer handle to a bounded queue. Several goroutines may share
// one Sender; use Clone to hand out independently closable references.
type Sender struct {
	q      *queue
	once   sync.Once
	closed atomic.Bool
	done   chan struct{} // closed by Close, wakes this Sender's blocked sends
}

// Receiver is the single consumer handle to a bounded queue.
type Receiver struct {
	q *queue
}

// NewQueue creates a bounded FIFO queue and returns its two endpoints.
// A capacity below 1 falls back to DefaultCapacity.
func NewQueue(capacity int) (*Sender, *Receiver) {
	if capacity < 1 {
		capacity = DefaultCapacity
	}

	q := &queue{
		items:        make(chan Datagram, capacity),
		senders:      1,
		sendersDone:  make(chan struct{}),
		receiverDone: make(chan struct{}),
	}

	return &Sender{q: q, done: make(chan struct{})}, &Receiver{q: q}
}

// Send enqueues payload for addr. It blocks while the queue is full and
// returns ErrClosed if this Sender or the Receiver has been closed, or the
// context error if ctx ends first. Closing the Sender wakes a blocked Send.
func (s *Sender) Send(ctx context.Context, payload []byte, addr netip.AddrPort) error {
	return s.SendDatagram(ctx, Datagram{Payload: payload, Addr: addr})
}

// SendDatagram is Send for an already assembled Datagram.
func (s *Sender) SendDatagram(ctx context.Context, d Datagram) error {
	if !s.enter() {
		return ErrClosed
	}
	defer s.q.leave()

	select {
	case s.q.items <- d:
		return nil
	case <-s.q.receiverDone:
		return ErrClosed
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues without blocking. It returns ErrFull if the queue is at
// capacity.
func (s *Sender) TrySend(payload []byte, addr netip.AddrPort) error {
	if !s.enter() {
		return ErrClosed
	}
	defer s.q.leave()

	select {
	case s.q.items <- Datagram{Payload: payload, Addr: addr}:
		return nil
	default:
		return ErrFull
	}
}

// Clone returns a new producer reference to the same queue. The queue stays
// open for the Receiver until every reference has been closed. Cloning a
// closed Sender returns a closed Sender.
func (s *Sender) Clone() *Sender {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()

	c := &Sender{q: s.q, done: make(chan struct{})}
	if s.closed.Load() || s.q.senders == 0 {
		c.closed.Store(true)
		close(c.done)
		c.once.Do(func() {})
		return c
	}

	s.q.senders++
	return c
}

// Close drops this producer reference and fails its blocked sends with
// ErrClosed. Closing the last reference lets the Receiver drain the remaining
// items, including any a concurrent send managed to deliver, and then report
// ErrClosed. Close is idempotent.
func (s *Sender) Close() error {
	s.once.Do(func() {
		s.q.mu.Lock()
		defer s.q.mu.Unlock()

		s.closed.Store(true)
		close(s.done)
		s.q.senders--
		s.q.finishLocked()
	})
	return nil
}

// enter admits one send, or reports false if the Sender or the Receiver is
// closed.
func (s *Sender) enter() bool {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()

	if s.closed.Load() || isClosed(s.q.receiverDone) {
		return false
	}
	s.q.inflight++
	return true
}

func (q *queue) leave() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inflight--
	q.finishLocked()
}

// finishLocked signals the Receiver once no producer can add items anymore.
func (q *queue) finishLocked() {
	if q.finished || q.senders > 0 || q.inflight > 0 {
		return
	}
	q.finished = true
	close(q.sendersDone)
}

// Len returns the number of queued datagrams.
func (s *Sender) Len() int { return len(s.q.items) }

// Cap returns the queue capacity.
func (s *Sender) Cap() int { return cap(s.q.items) }

// Recv dequeues the oldest datagram, blocking while the queue is empty. It
// returns ErrClosed once every Sender is closed and the queue is drained, or
// after the Receiver itself was closed.
func (r *Receiver) Recv(ctx context.Context) (Datagram, error) {
	if isClosed(r.q.receiverDone) {
		return Datagram{}, ErrClosed
	}

	select {
	case d := <-r.q.items:
		return d, nil
	case <-r.q.sendersDone:
		// Producers are gone; hand out whatever is still buffered.
		select {
		case d := <-r.q.items:
			return d, nil
		default:
			return Datagram{}, ErrClosed
		}
	case <-r.q.receiverDone:
		return Datagram{}, ErrClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

// Close detaches the consumer. Pending and future sends fail with ErrClosed.
func (r *Receiver) Close() error {
	r.q.recvOnce.Do(func() { close(r.q.receiverDone) })
	return nil
}

// Len returns the number of queued datagrams.
func (r *Receiver) Len() int { return len(r.q.items) }

// Cap returns the queue capacity.
func (r *Receiver) Cap() int { return cap(r.q.items) }

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
