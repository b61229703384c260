// Package sr implements Selective Repeat: a sliding-window protocol where
// each outstanding packet has its own retransmission timer and the
// receiver buffers out-of-order arrivals within its window instead of
// discarding them. This recovers from loss with much less wasted
// retransmission than Go-Back-N, at the cost of per-packet bookkeeping on
// both ends.
package sr

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arqnet/rdt/channel"
	"github.com/arqnet/rdt/internal"
	"github.com/arqnet/rdt/wire"
)

// ErrClosed is returned once the endpoint has been closed.
var ErrClosed = errors.New("sr: endpoint closed")

// ErrWindowTooLarge is returned by New{Sender,Receiver} when n would break
// the "window size <= half the sequence space" invariant that keeps old
// and new packets on the wire distinguishable.
var ErrWindowTooLarge = errors.New("sr: window size must be in [1,128]")

// SenderStats keeps the sender's counters.
type SenderStats struct {
	Base            uint32
	NextSeq         uint32
	PacketsSent     uint64
	Retransmissions uint64
	Timeouts        uint64
	AcksReceived    uint64
	TotalBytesSent  uint64
}

type outstanding struct {
	payload []byte
	acked   bool
	gen     uint64 // bumped on (re)send/ack to invalidate stale AfterFunc firings
}

// Sender is the Selective Repeat sending half. Build with NewSender; Close
// to cancel any pending per-packet timers.
type Sender struct {
	out  *channel.Channel
	peer channel.Deliverer
	log  *slog.Logger
	n    uint32
	rto  time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	base    uint32
	nextSeq uint32
	win     map[uint32]*outstanding
	closed  bool
	stats   SenderStats

	inbox chan wire.Decoded
	done  chan struct{}
}

// NewSender builds a Sender with window size n (1-128) and per-packet
// retransmission timeout rto.
func NewSender(out *channel.Channel, peer channel.Deliverer, n int, rto time.Duration, log *slog.Logger) (*Sender, error) {
	if n < 1 || n > 128 {
		return nil, ErrWindowTooLarge
	}
	if log == nil {
		log = slog.Default()
	}
	if rto <= 0 {
		rto = time.Second
	}
	s := &Sender{
		out:   out,
		peer:  peer,
		log:   log,
		n:     uint32(n),
		rto:   rto,
		win:   make(map[uint32]*outstanding),
		inbox: make(chan wire.Decoded, 64),
		done:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.ackLoop()
	return s, nil
}

// Deliver implements channel.Deliverer for incoming ACKs.
func (s *Sender) Deliver(payload []byte) {
	dec, err := wire.Decode(payload)
	if err != nil || dec.IsCorrupt || dec.Kind != wire.KindACK {
		return
	}
	select {
	case s.inbox <- dec:
	case <-s.done:
	}
}

// Send blocks until the window has room for msg, then transmits it and
// arms its individual retransmission timer.
func (s *Sender) Send(msg []byte) error {
	payload := append([]byte(nil), msg...)

	s.mu.Lock()
	for !s.closed && s.nextSeq-s.base >= s.n {
		s.cond.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	seq := s.nextSeq
	s.nextSeq++
	entry := &outstanding{payload: payload}
	s.win[seq] = entry
	s.stats.PacketsSent++
	s.stats.TotalBytesSent += uint64(len(payload))
	s.stats.NextSeq = s.nextSeq
	s.mu.Unlock()

	s.armTimer(seq, entry, s.rto)
	s.out.Send(wire.Encode(wire.Packet{Kind: wire.KindDATA, Seq: uint8(seq), Payload: payload}), s.peer)
	return nil
}

// armTimer schedules a retransmit of seq after d, guarded by entry.gen so a
// later ack or retransmit invalidates a stale firing.
func (s *Sender) armTimer(seq uint32, entry *outstanding, d time.Duration) {
	s.mu.Lock()
	entry.gen++
	gen := entry.gen
	s.mu.Unlock()

	time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.closed || entry.acked || entry.gen != gen {
			s.mu.Unlock()
			return
		}
		s.stats.Timeouts++
		s.stats.Retransmissions++
		payload := entry.payload
		s.mu.Unlock()

		s.armTimer(seq, entry, s.rto)
		s.out.Send(wire.Encode(wire.Packet{Kind: wire.KindDATA, Seq: uint8(seq), Payload: payload}), s.peer)
	})
}

// ackLoop processes incoming ACKs, sliding base forward over contiguous
// acknowledged entries.
func (s *Sender) ackLoop() {
	for {
		select {
		case <-s.done:
			return
		case dec := <-s.inbox:
			s.mu.Lock()
			delta := uint32(uint8(dec.Seq) - uint8(s.base))
			if delta >= s.n {
				s.mu.Unlock()
				continue
			}
			seq := s.base + delta
			entry, ok := s.win[seq]
			if !ok {
				s.mu.Unlock()
				continue
			}
			s.stats.AcksReceived++
			if !entry.acked {
				entry.acked = true
				entry.gen++ // invalidate any in-flight retransmit timer
			}
			for {
				e, ok := s.win[s.base]
				if !ok || !e.acked {
					break
				}
				delete(s.win, s.base)
				s.base++
			}
			s.stats.Base = s.base
			s.cond.Broadcast()
			s.mu.Unlock()
		}
	}
}

// Stats returns a snapshot of the sender's counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close cancels all pending timers and unblocks any Send call waiting on
// window space.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.cond.Broadcast()
	return nil
}

// ReceiverStats keeps the receiver's counters,
// including the live size of the out-of-order reorder buffer.
type ReceiverStats struct {
	RcvBase          uint32
	PacketsReceived  uint64
	BufferedPackets  int
	OutOfWindow      uint64
	CorruptedPackets uint64
	AcksSent         uint64
}

// Receiver is the Selective Repeat receiving half: it buffers in-window
// out-of-order arrivals and delivers contiguous runs as they complete.
type Receiver struct {
	out  *channel.Channel
	peer channel.Deliverer
	log  *slog.Logger
	n    uint32

	mu       sync.Mutex
	closed   bool
	rcvBase  uint32
	buf      map[uint32][]byte
	delivery chan []byte
	stats    ReceiverStats
}

// NewReceiver builds a Receiver with window size n (1-128), expecting
// sequence number 0 first.
func NewReceiver(out *channel.Channel, peer channel.Deliverer, n int, log *slog.Logger) (*Receiver, error) {
	if n < 1 || n > 128 {
		return nil, ErrWindowTooLarge
	}
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		out:      out,
		peer:     peer,
		log:      log,
		n:        uint32(n),
		buf:      make(map[uint32][]byte),
		delivery: make(chan []byte, 128),
	}, nil
}

// Deliver implements channel.Deliverer for incoming DATA packets.
func (r *Receiver) Deliver(payload []byte) {
	dec, err := wire.Decode(payload)
	if err != nil {
		r.log.Debug("sr receiver: malformed datagram discarded", slog.String("err", err.Error()))
		return
	}
	r.mu.Lock()
	r.stats.PacketsReceived++
	if dec.IsCorrupt {
		r.stats.CorruptedPackets++
		r.mu.Unlock()
		return
	}

	delta := uint32(uint8(dec.Seq) - uint8(r.rcvBase))
	switch {
	case delta < r.n:
		// Within the current receive window: buffer and ACK, whether or
		// not it is the next in-order packet.
		seq := r.rcvBase + delta
		if _, dup := r.buf[seq]; !dup {
			r.buf[seq] = append([]byte(nil), dec.Payload...)
		}
		r.stats.AcksSent++
		r.flushLocked()
		r.stats.BufferedPackets = len(r.buf)
		r.mu.Unlock()
		r.out.Send(wire.Encode(wire.Packet{Kind: wire.KindACK, Seq: dec.Seq}), r.peer)

	case delta >= 256-r.n:
		// Falls just behind the window: a packet we already delivered,
		// whose ACK was presumably lost. Re-ACK it without re-buffering.
		r.stats.AcksSent++
		r.mu.Unlock()
		r.out.Send(wire.Encode(wire.Packet{Kind: wire.KindACK, Seq: dec.Seq}), r.peer)

	default:
		r.stats.OutOfWindow++
		rcvBase := r.rcvBase
		r.mu.Unlock()
		r.log.Debug("sr receiver: dropping out-of-window packet",
			internal.SlogSeq("got", uint32(dec.Seq)), internal.SlogSeq("rcv_base", rcvBase))
	}
}

// flushLocked delivers the contiguous run of buffered packets starting at
// rcvBase, advancing the window past each one. Caller must hold r.mu.
func (r *Receiver) flushLocked() {
	for {
		msg, ok := r.buf[r.rcvBase]
		if !ok {
			return
		}
		delete(r.buf, r.rcvBase)
		r.rcvBase++
		r.stats.RcvBase = r.rcvBase
		select {
		case r.delivery <- msg:
		default:
			r.log.Warn("sr receiver: delivery queue full, dropping message")
		}
	}
}

// Recv blocks until the next delivered message is available.
func (r *Receiver) Recv() ([]byte, error) {
	msg, ok := <-r.delivery
	if !ok {
		return nil, ErrClosed
	}
	return msg, nil
}

// Stats returns a snapshot of the receiver's counters.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.BufferedPackets = len(r.buf)
	return st
}

// Close stops further deliveries and unblocks any pending Recv call.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	close(r.delivery)
	return nil
}
