package rdt20

import (
	"fmt"
	"testing"

	"github.com/arqnet/rdt/channel"
)

// wireUp builds a sender/receiver pair back to back over a pair of channels,
// one per direction, both sharing the same fault configuration.
func wireUp(cfg channel.Config, seed int64) (*Sender, *Receiver) {
	fwd := channel.New(cfg, seed, nil)
	bwd := channel.New(cfg, seed+1, nil)
	var snd *Sender
	rcv := NewReceiver(bwd, channel.DeliverFunc(func(p []byte) { snd.Deliver(p) }), nil)
	snd = NewSender(fwd, rcv, nil)
	return snd, rcv
}

func TestScenario1TenMessagesNoFaults(t *testing.T) {
	snd, rcv := wireUp(channel.Config{}, 1)
	const n = 10
	for i := 0; i < n; i++ {
		msg := []byte(fmt.Sprintf("Mensagem %d", i))
		if err := snd.Send(msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		got, err := rcv.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if string(got) != string(msg) {
			t.Fatalf("message %d: got %q want %q", i, got, msg)
		}
	}
	st := snd.Stats()
	if st.PacketsSent != n {
		t.Fatalf("PacketsSent=%d want %d", st.PacketsSent, n)
	}
	if st.Retransmissions != 0 {
		t.Fatalf("expected zero retransmissions on a fault-free channel, got %d", st.Retransmissions)
	}
	rst := rcv.Stats()
	if rst.MessagesDelivered != n {
		t.Fatalf("MessagesDelivered=%d want %d", rst.MessagesDelivered, n)
	}
}

func TestScenario2CorruptionBothDirections(t *testing.T) {
	cfg := channel.Config{CorruptRate: 0.2}
	snd, rcv := wireUp(cfg, 99)
	const n = 15
	for i := 0; i < n; i++ {
		msg := []byte(fmt.Sprintf("Mensagem %d", i))
		if err := snd.Send(msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		got, err := rcv.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if string(got) != string(msg) {
			t.Fatalf("message %d: got %q want %q", i, got, msg)
		}
	}
	if rcv.Stats().MessagesDelivered != n {
		t.Fatalf("expected all %d messages eventually delivered intact", n)
	}
}
