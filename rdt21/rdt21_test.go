package rdt21

import (
	"fmt"
	"testing"

	"github.com/arqnet/rdt/channel"
)

func wireUp(cfg channel.Config, seed int64) (*Sender, *Receiver) {
	fwd := channel.New(cfg, seed, nil)
	bwd := channel.New(cfg, seed+1, nil)
	var snd *Sender
	rcv := NewReceiver(bwd, channel.DeliverFunc(func(p []byte) { snd.Deliver(p) }), nil)
	snd = NewSender(fwd, rcv, nil)
	return snd, rcv
}

func TestAlternatingBitNoFaults(t *testing.T) {
	snd, rcv := wireUp(channel.Config{}, 11)
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
	if snd.Stats().Retransmissions != 0 {
		t.Fatalf("expected zero retransmissions on fault-free channel")
	}
}

func TestCorruptionBothDirectionsNoDuplicateDelivery(t *testing.T) {
	cfg := channel.Config{CorruptRate: 0.3}
	snd, rcv := wireUp(cfg, 55)
	const n = 20
	delivered := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg := fmt.Sprintf("Mensagem %d", i)
		if err := snd.Send([]byte(msg)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		got, err := rcv.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		delivered = append(delivered, string(got))
	}
	for i, want := range delivered {
		wantMsg := fmt.Sprintf("Mensagem %d", i)
		if want != wantMsg {
			t.Fatalf("message %d delivered out of order or duplicated: got %q want %q", i, want, wantMsg)
		}
	}
	rst := rcv.Stats()
	if rst.MessagesDelivered != uint64(n) {
		t.Fatalf("MessagesDelivered=%d want %d (exactly once each, no duplicates)", rst.MessagesDelivered, n)
	}
}
