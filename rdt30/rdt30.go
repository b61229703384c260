// Package rdt30 implements RDT3.0: stop-and-wait over a channel that may
// lose, corrupt, or delay packets in either direction. It adds a
// retransmission timer to RDT2.1's alternating-bit scheme, so that a lost
// DATA packet or a lost ACK is eventually recovered by resending.
//
// The sender's timer is implemented with a receive deadline on its reply
// inbox rather than a zero-length "kick" datagram: a bounded-wait channel
// receive is the idiomatic Go equivalent and needs no extra wire traffic.
package rdt30

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arqnet/rdt/channel"
	"github.com/arqnet/rdt/wire"
)

// ErrClosed is returned once the endpoint has been closed.
var ErrClosed = errors.New("rdt30: endpoint closed")

// SenderStats keeps the endpoint's counters, adding
// Timeouts and the derived RetransmissionRate/ThroughputBps.
type SenderStats struct {
	PacketsSent     uint64
	Retransmissions uint64
	Timeouts        uint64
	AcksReceived    uint64
	NaksReceived    uint64
	BytesSent       uint64
	Elapsed         time.Duration
}

// RetransmissionRate returns Retransmissions as a fraction of PacketsSent.
func (s SenderStats) RetransmissionRate() float64 {
	if s.PacketsSent == 0 {
		return 0
	}
	return float64(s.Retransmissions) / float64(s.PacketsSent)
}

// ThroughputBps returns BytesSent*8/Elapsed, or zero if no time has elapsed.
func (s SenderStats) ThroughputBps() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.BytesSent*8) / s.Elapsed.Seconds()
}

// Sender is the RDT3.0 sending half. The zero value is not usable; build
// one with NewSender.
type Sender struct {
	out  *channel.Channel
	peer channel.Deliverer
	log  *slog.Logger
	rto  time.Duration

	mu      sync.Mutex
	closed  bool
	seq     uint8
	inbox   chan wire.Decoded
	stats   SenderStats
	started time.Time
}

// NewSender builds a Sender retransmitting after rto of silence.
func NewSender(out *channel.Channel, peer channel.Deliverer, rto time.Duration, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	if rto <= 0 {
		rto = 2 * time.Second
	}
	return &Sender{
		out:   out,
		peer:  peer,
		log:   log,
		rto:   rto,
		inbox: make(chan wire.Decoded, 8),
	}
}

// Deliver implements channel.Deliverer for the receiver's ACK/NAK replies.
func (s *Sender) Deliver(payload []byte) {
	dec, err := wire.Decode(payload)
	if err != nil {
		s.log.Debug("rdt30 sender: malformed reply discarded", slog.String("err", err.Error()))
		return
	}
	select {
	case s.inbox <- dec:
	default:
		s.log.Warn("rdt30 sender: reply inbox full, dropping reply")
	}
}

// Send transmits msg under the current sequence bit, retransmitting both on
// a corrupted/NAK/stale reply (as in RDT2.1) and on RTO expiry (new in
// RDT3.0, recovering from outright packet or ACK loss).
func (s *Sender) Send(msg []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started.IsZero() {
		s.started = time.Now()
	}
	seq := s.seq
	s.mu.Unlock()

	pkt := wire.Encode(wire.Packet{Kind: wire.KindDATA, Seq: seq, Payload: msg})
	timer := time.NewTimer(s.rto)
	defer timer.Stop()

	s.out.Send(pkt, s.peer)
	s.mu.Lock()
	s.stats.PacketsSent++
	s.mu.Unlock()

	for {
		select {
		case <-timer.C:
			s.mu.Lock()
			s.stats.Timeouts++
			s.stats.Retransmissions++
			s.mu.Unlock()
			s.out.Send(pkt, s.peer)
			s.mu.Lock()
			s.stats.PacketsSent++
			s.mu.Unlock()
			timer.Reset(s.rto)

		case reply := <-s.inbox:
			switch {
			case reply.IsCorrupt, reply.Kind == wire.KindNAK, reply.Kind == wire.KindACK && reply.Seq != seq:
				s.mu.Lock()
				if reply.Kind == wire.KindNAK {
					s.stats.NaksReceived++
				}
				s.stats.Retransmissions++
				s.mu.Unlock()
				s.out.Send(pkt, s.peer)
				s.mu.Lock()
				s.stats.PacketsSent++
				s.mu.Unlock()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.rto)

			case reply.Kind == wire.KindACK && reply.Seq == seq:
				s.mu.Lock()
				s.stats.AcksReceived++
				s.stats.BytesSent += uint64(len(msg))
				s.stats.Elapsed = time.Since(s.started)
				s.seq ^= 1
				s.mu.Unlock()
				return nil

			default:
				// Any other reply kind: ignore and keep waiting, the timer is
				// still running for the current packet.
			}
		}
	}
}

// Stats returns a snapshot of the sender's counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close marks the sender closed.
func (s *Sender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ReceiverStats keeps the endpoint's counters.
type ReceiverStats struct {
	PacketsReceived   uint64
	CorruptedPackets  uint64
	DuplicatedPackets uint64
	AcksSent          uint64
	NaksSent          uint64
	MessagesDelivered uint64
}

// Receiver is the RDT3.0 receiving half: structurally identical to RDT2.1's
// (it never runs a timer of its own — loss recovery is entirely the
// sender's responsibility).
type Receiver struct {
	out  *channel.Channel
	peer channel.Deliverer
	log  *slog.Logger

	mu          sync.Mutex
	closed      bool
	expectedSeq uint8
	lastAckSeq  uint8
	delivery    chan []byte
	stats       ReceiverStats
}

// NewReceiver builds a Receiver expecting sequence bit 0 first.
func NewReceiver(out *channel.Channel, peer channel.Deliverer, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		out:      out,
		peer:     peer,
		log:      log,
		delivery: make(chan []byte, 32),
	}
}

// Deliver implements channel.Deliverer for incoming DATA packets.
func (r *Receiver) Deliver(payload []byte) {
	dec, err := wire.Decode(payload)
	if err != nil {
		r.log.Debug("rdt30 receiver: malformed datagram discarded", slog.String("err", err.Error()))
		return
	}
	r.mu.Lock()
	r.stats.PacketsReceived++
	if dec.IsCorrupt {
		r.stats.CorruptedPackets++
		r.stats.NaksSent++
		ackSeq := r.lastAckSeq
		r.mu.Unlock()
		r.out.Send(wire.Encode(wire.Packet{Kind: wire.KindNAK, Seq: ackSeq}), r.peer)
		return
	}
	if dec.Seq != r.expectedSeq {
		r.stats.DuplicatedPackets++
		r.stats.AcksSent++
		ackSeq := r.lastAckSeq
		r.mu.Unlock()
		r.out.Send(wire.Encode(wire.Packet{Kind: wire.KindACK, Seq: ackSeq}), r.peer)
		return
	}
	r.stats.AcksSent++
	r.stats.MessagesDelivered++
	r.lastAckSeq = dec.Seq
	r.expectedSeq ^= 1
	r.mu.Unlock()

	r.out.Send(wire.Encode(wire.Packet{Kind: wire.KindACK, Seq: dec.Seq}), r.peer)

	msg := append([]byte(nil), dec.Payload...)
	select {
	case r.delivery <- msg:
	default:
		r.log.Warn("rdt30 receiver: delivery queue full, dropping message")
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
