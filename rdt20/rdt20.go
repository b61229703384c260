// Package rdt20 implements RDT2.0: stop-and-wait data transfer over a
// channel that only corrupts packets, never loses or reorders them. The
// sender resends the same packet until an uncorrupted ACK arrives; the
// receiver NAKs any corrupted arrival so that the sender resends the same
// packet.
package rdt20

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/arqnet/rdt/channel"
	"github.com/arqnet/rdt/wire"
)

// ErrClosed is returned by Send/Recv once the endpoint has been closed.
var ErrClosed = errors.New("rdt20: endpoint closed")

// SenderStats keeps the sender's counters (packets sent, retransmissions,
// acks received, naks received).
type SenderStats struct {
	PacketsSent     uint64
	Retransmissions uint64
	AcksReceived    uint64
	NaksReceived    uint64
}

// Sender is the RDT2.0 sending half. The zero value is not usable; build
// one with NewSender.
type Sender struct {
	out  *channel.Channel
	peer channel.Deliverer
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
	inbox  chan wire.Decoded
	stats  SenderStats
}

// NewSender builds a Sender that transmits DATA packets through out to
// peer, and expects peer's replies to be delivered to this Sender via its
// own Deliver method (the caller is responsible for wiring the receiver's
// reply channel to point back at this Sender).
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

// Deliver implements channel.Deliverer: it is called by the channel
// carrying the receiver's ACK/NAK replies back to this sender.
func (s *Sender) Deliver(payload []byte) {
	dec, err := wire.Decode(payload)
	if err != nil {
		s.log.Debug("rdt20 sender: malformed reply discarded", slog.String("err", err.Error()))
		return
	}
	select {
	case s.inbox <- dec:
	default:
		s.log.Warn("rdt20 sender: reply inbox full, dropping reply")
	}
}

// Send transmits msg reliably despite channel corruption, blocking until an
// uncorrupted ACK is observed.
func (s *Sender) Send(msg []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	pkt := wire.Encode(wire.Packet{Kind: wire.KindDATA, Payload: msg})
	for {
		s.out.Send(pkt, s.peer)
		s.mu.Lock()
		s.stats.PacketsSent++
		s.mu.Unlock()

		reply := <-s.inbox
		if reply.IsCorrupt {
			// A corrupted reply can be read as neither ACK nor NAK; the loop
			// resends the packet. This resend is not counted in
			// Retransmissions.
			continue
		}
		s.mu.Lock()
		switch reply.Kind {
		case wire.KindACK:
			s.stats.AcksReceived++
			s.mu.Unlock()
			return nil
		case wire.KindNAK:
			s.stats.NaksReceived++
			s.stats.Retransmissions++
			s.mu.Unlock()
			continue
		default:
			s.mu.Unlock()
			s.log.Warn("rdt20 sender: unexpected reply kind", slog.String("kind", reply.Kind.String()))
		}
	}
}

// Stats returns a snapshot of the sender's counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close marks the sender closed; any Send call blocked on a reply will
// still return once that reply (or a subsequent one) arrives, matching the
// package's emphasis on simplicity over preemptive cancellation.
func (s *Sender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ReceiverStats keeps the receiver's counters
// (packets_received, corrupted_packets, acks_sent, naks_sent,
// messages_delivered).
type ReceiverStats struct {
	PacketsReceived   uint64
	CorruptedPackets  uint64
	AcksSent          uint64
	NaksSent          uint64
	MessagesDelivered uint64
}

// Receiver is the RDT2.0 receiving half.
type Receiver struct {
	out  *channel.Channel
	peer channel.Deliverer
	log  *slog.Logger

	mu       sync.Mutex
	closed   bool
	delivery chan []byte
	stats    ReceiverStats
}

// NewReceiver builds a Receiver that replies through out to peer (expected
// to be the corresponding Sender).
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

// Deliver implements channel.Deliverer: called by the channel carrying
// DATA packets from the sender.
func (r *Receiver) Deliver(payload []byte) {
	dec, err := wire.Decode(payload)
	if err != nil {
		r.log.Debug("rdt20 receiver: malformed datagram discarded", slog.String("err", err.Error()))
		return
	}
	r.mu.Lock()
	r.stats.PacketsReceived++
	if dec.IsCorrupt {
		r.stats.CorruptedPackets++
		r.stats.NaksSent++
		r.mu.Unlock()
		r.out.Send(wire.Encode(wire.Packet{Kind: wire.KindNAK}), r.peer)
		return
	}
	r.stats.AcksSent++
	r.stats.MessagesDelivered++
	r.mu.Unlock()

	r.out.Send(wire.Encode(wire.Packet{Kind: wire.KindACK}), r.peer)

	msg := append([]byte(nil), dec.Payload...)
	select {
	case r.delivery <- msg:
	default:
		r.log.Warn("rdt20 receiver: delivery queue full, dropping message")
	}
}

// Recv blocks until the next delivered message is available, or returns
// ErrClosed if the receiver has been closed and no message is pending.
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
