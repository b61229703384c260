// Package rdt21 implements RDT2.1: stop-and-wait with an alternating
// sequence bit, tolerating a channel that corrupts packets in both
// directions (including ACKs/NAKs) but never loses or reorders them
// . The alternating bit lets the receiver tell a genuine next-in-line
// packet from a retransmission caused by a corrupted ACK.
package rdt21

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/arqnet/rdt/channel"
	"github.com/arqnet/rdt/wire"
)

// ErrClosed is returned once the endpoint has been closed.
var ErrClosed = errors.New("rdt21: endpoint closed")

// SenderStats keeps the endpoint's counters, extended
// with duplicated_acks over the RDT2.0 set.
type SenderStats struct {
	PacketsSent     uint64
	Retransmissions uint64
	AcksReceived    uint64
	NaksReceived    uint64
	DuplicatedAcks  uint64
}

// Sender is the RDT2.1 sending half.
type Sender struct {
	out  *channel.Channel
	peer channel.Deliverer
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
	seq    uint8
	inbox  chan wire.Decoded
	stats  SenderStats
}

// NewSender builds a Sender starting at sequence bit 0.
func NewSender(out *channel.Channel, peer channel.Deliverer, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		out:   out,
		peer:  peer,
		log:   log,
		inbox: make(chan wire.Decoded, 8),
	}
}

// Deliver implements channel.Deliverer for the receiver's ACK/NAK replies.
func (s *Sender) Deliver(payload []byte) {
	dec, err := wire.Decode(payload)
	if err != nil {
		s.log.Debug("rdt21 sender: malformed reply discarded", slog.String("err", err.Error()))
		return
	}
	select {
	case s.inbox <- dec:
	default:
		s.log.Warn("rdt21 sender: reply inbox full, dropping reply")
	}
}

// Send transmits msg under the current sequence bit, retransmitting on any
// corrupted reply, NAK, or ACK that does not carry the current bit (a
// duplicate ACK caused by the receiver retrying after a corrupted earlier
// DATA, or after its own ACK was corrupted in flight).
func (s *Sender) Send(msg []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	seq := s.seq
	s.mu.Unlock()

	pkt := wire.Encode(wire.Packet{Kind: wire.KindDATA, Seq: seq, Payload: msg})
	for {
		s.out.Send(pkt, s.peer)
		s.mu.Lock()
		s.stats.PacketsSent++
		s.mu.Unlock()

		reply := <-s.inbox
		s.mu.Lock()
		switch {
		case reply.IsCorrupt:
			s.stats.Retransmissions++
			s.mu.Unlock()
			continue
		case reply.Kind == wire.KindNAK && reply.Seq == seq:
			s.stats.NaksReceived++
			s.stats.Retransmissions++
			s.mu.Unlock()
			continue
		case reply.Kind == wire.KindNAK:
			// NAK carrying the other sequence bit. The receiver NAKs a
			// corrupted DATA under the bit it last ACKed, so this is not
			// counted as a NAK, but the loop still resends the packet.
			s.mu.Unlock()
			continue
		case reply.Kind == wire.KindACK && reply.Seq == seq:
			s.stats.AcksReceived++
			s.seq ^= 1
			s.mu.Unlock()
			return nil
		case reply.Kind == wire.KindACK:
			s.stats.AcksReceived++
			s.stats.DuplicatedAcks++
			s.stats.Retransmissions++
			s.mu.Unlock()
			continue
		default:
			s.mu.Unlock()
			s.log.Warn("rdt21 sender: unexpected reply", slog.String("kind", reply.Kind.String()))
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

// ReceiverStats keeps the endpoint's counters, extended
// with duplicated_packets.
type ReceiverStats struct {
	PacketsReceived   uint64
	CorruptedPackets  uint64
	DuplicatedPackets uint64
	AcksSent          uint64
	NaksSent          uint64
	MessagesDelivered uint64
}

// Receiver is the RDT2.1 receiving half.
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
		r.log.Debug("rdt21 receiver: malformed datagram discarded", slog.String("err", err.Error()))
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
		// Duplicate of the packet we already delivered: our previous ACK
		// must have been lost to corruption. Re-ACK without re-delivering.
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
		r.log.Warn("rdt21 receiver: delivery queue full, dropping message")
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
