// Package gbn implements Go-Back-N: a sliding-window protocol with a
// single retransmission timer that, on expiry, resends every unacknowledged
// packet in the window . ACKs are cumulative: an ACK for
// sequence number k acknowledges every packet up to and including k.
package gbn

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
var ErrClosed = errors.New("gbn: endpoint closed")

// ErrWindowTooLarge is returned by NewSender when N would overflow the
// single-byte sequence number space used on the wire.
var ErrWindowTooLarge = errors.New("gbn: window size must be in [1,128]")

// SenderStats keeps the sender's counters.
type SenderStats struct {
	PacketsSent     uint64
	Retransmissions uint64
	AcksReceived    uint64
	TotalBytesSent  uint64
}

type pending struct {
	seq     uint32
	payload []byte
}

// Sender is the Go-Back-N sending half. Build with NewSender; Close to stop
// its background retransmission loop.
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
	buf     []pending
	closed  bool
	stats   SenderStats

	inbox      chan wire.Decoded
	timerReset chan struct{}
	done       chan struct{}
}

// NewSender builds a Sender with window size n (1-128) and retransmission
// timeout rto.
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
		out:        out,
		peer:       peer,
		log:        log,
		n:          uint32(n),
		rto:        rto,
		inbox:      make(chan wire.Decoded, 64),
		timerReset: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s, nil
}

// Deliver implements channel.Deliverer for incoming ACKs.
func (s *Sender) Deliver(payload []byte) {
	dec, err := wire.Decode(payload)
	if err != nil {
		s.log.Debug("gbn sender: malformed reply discarded", slog.String("err", err.Error()))
		return
	}
	if dec.IsCorrupt {
		return
	}
	select {
	case s.inbox <- dec:
	case <-s.done:
	}
}

// Send blocks until the window has room for msg, then transmits it. Msg
// order of acceptance into the window is the order callers invoke Send in;
// concurrent callers are served in an unspecified but serialized order.
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
	firstOutstanding := len(s.buf) == 0
	s.buf = append(s.buf, pending{seq: seq, payload: payload})
	s.stats.PacketsSent++
	s.stats.TotalBytesSent += uint64(len(payload))
	s.mu.Unlock()

	s.out.Send(wire.Encode(wire.Packet{Kind: wire.KindDATA, Seq: uint8(seq), Payload: payload}), s.peer)
	if firstOutstanding {
		s.resetTimer()
	}
	return nil
}

// resetTimer signals run to (re)arm the retransmission timer. The timer
// itself is owned exclusively by run to avoid sharing a *time.Timer across
// goroutines.
func (s *Sender) resetTimer() {
	select {
	case s.timerReset <- struct{}{}:
	case <-s.done:
	}
}

// run owns the single retransmission timer and the ACK-processing loop, the
// two things that must never race with each other.
func (s *Sender) run() {
	timer := time.NewTimer(s.rto)
	timer.Stop()
	armed := false
	for {
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-s.timerReset:
			if !timer.Stop() && armed {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.rto)
			armed = true
		case <-timer.C:
			armed = false
			s.mu.Lock()
			buf := append([]pending(nil), s.buf...)
			if len(buf) > 0 {
				s.stats.Retransmissions += uint64(len(buf))
			}
			s.mu.Unlock()
			for _, p := range buf {
				s.out.Send(wire.Encode(wire.Packet{Kind: wire.KindDATA, Seq: uint8(p.seq), Payload: p.payload}), s.peer)
			}
			if len(buf) > 0 {
				timer.Reset(s.rto)
				armed = true
			}
		case dec := <-s.inbox:
			if dec.Kind != wire.KindACK {
				continue
			}
			s.mu.Lock()
			s.stats.AcksReceived++
			ackLogical, ok := s.resolveAck(dec.Seq)
			if ok && ackLogical+1 > s.base {
				s.base = ackLogical + 1
				idx := 0
				for idx < len(s.buf) && s.buf[idx].seq < s.base {
					idx++
				}
				s.buf = s.buf[idx:]
				s.cond.Broadcast()
			}
			remaining := len(s.buf)
			s.mu.Unlock()
			if remaining == 0 {
				if !timer.Stop() && armed {
					select {
					case <-timer.C:
					default:
					}
				}
				armed = false
			} else {
				if !timer.Stop() && armed {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.rto)
				armed = true
			}
		}
	}
}

// resolveAck maps a one-byte wire ACK sequence number back onto the logical
// (unbounded) sequence space by matching it against the outstanding window,
// which is always narrower than the 256-entry byte space.
func (s *Sender) resolveAck(wireSeq uint8) (uint32, bool) {
	best, found := uint32(0), false
	for _, p := range s.buf {
		if uint8(p.seq) == wireSeq {
			if !found || p.seq > best {
				best, found = p.seq, true
			}
		}
	}
	if found {
		return best, true
	}
	if s.base > 0 && uint8(s.base-1) == wireSeq {
		return s.base - 1, true
	}
	return 0, false
}

// Stats returns a snapshot of the sender's counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close stops the background retransmission loop. Pending Send calls
// blocked on a full window return ErrClosed.
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

// ReceiverStats keeps the receiver's counters.
type ReceiverStats struct {
	PacketsReceived   uint64
	CorruptedPackets  uint64
	OutOfOrder        uint64
	AcksSent          uint64
	MessagesDelivered uint64
}

// Receiver is the Go-Back-N receiving half: it only accepts packets in
// strict sequence order, discarding (and re-ACKing the last in-order
// sequence number for) anything else.
type Receiver struct {
	out  *channel.Channel
	peer channel.Deliverer
	log  *slog.Logger

	mu          sync.Mutex
	closed      bool
	expectedSeq uint32
	haveAcked   bool
	delivery    chan []byte
	stats       ReceiverStats
}

// NewReceiver builds a Receiver expecting sequence number 0 first.
func NewReceiver(out *channel.Channel, peer channel.Deliverer, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		out:      out,
		peer:     peer,
		log:      log,
		delivery: make(chan []byte, 128),
	}
}

// Deliver implements channel.Deliverer for incoming DATA packets.
func (r *Receiver) Deliver(payload []byte) {
	dec, err := wire.Decode(payload)
	if err != nil {
		r.log.Debug("gbn receiver: malformed datagram discarded", slog.String("err", err.Error()))
		return
	}
	r.mu.Lock()
	r.stats.PacketsReceived++
	expectedByte := uint8(r.expectedSeq)
	if dec.IsCorrupt || dec.Seq != expectedByte {
		if dec.IsCorrupt {
			r.stats.CorruptedPackets++
		} else {
			r.stats.OutOfOrder++
		}
		haveAcked := r.haveAcked
		lastAcked := uint8(r.expectedSeq - 1)
		if haveAcked {
			r.stats.AcksSent++
		}
		r.mu.Unlock()
		r.log.Debug("gbn receiver: discarding out-of-window packet",
			internal.SlogSeq("got", uint32(dec.Seq)), internal.SlogSeq("want", uint32(expectedByte)))
		if haveAcked {
			r.out.Send(wire.Encode(wire.Packet{Kind: wire.KindACK, Seq: lastAcked}), r.peer)
		}
		return
	}
	r.stats.AcksSent++
	r.stats.MessagesDelivered++
	r.expectedSeq++
	r.haveAcked = true
	r.mu.Unlock()

	r.out.Send(wire.Encode(wire.Packet{Kind: wire.KindACK, Seq: dec.Seq}), r.peer)

	msg := append([]byte(nil), dec.Payload...)
	select {
	case r.delivery <- msg:
	default:
		r.log.Warn("gbn receiver: delivery queue full, dropping message")
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
	return r.stats
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
