package rdt30

import (
	"fmt"
	"testing"
	"time"

	"github.com/arqnet/rdt/channel"
)

func wireUp(cfg channel.Config, rto time.Duration, seed int64) (*Sender, *Receiver) {
	fwd := channel.New(cfg, seed, nil)
	bwd := channel.New(cfg, seed+1, nil)
	var snd *Sender
	rcv := NewReceiver(bwd, channel.DeliverFunc(func(p []byte) { snd.Deliver(p) }), nil)
	snd = NewSender(fwd, rcv, rto, nil)
	return snd, rcv
}

func TestNoFaultsNoRetransmissions(t *testing.T) {
	snd, rcv := wireUp(channel.Config{}, 200*time.Millisecond, 1)
	for i := 0; i < 10; i++ {
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
	if st := snd.Stats(); st.Timeouts != 0 || st.Retransmissions != 0 {
		t.Fatalf("expected zero timeouts/retransmissions on fault-free channel, got %+v", st)
	}
}

// TestScenario3LossyDelayedChannel runs a lossy, delayed, corrupting
// channel (loss=0.15, corrupt=0.10, delay in [50ms,500ms], RTO=2s, 20
// messages). Delivery must still complete in order with no duplicates,
// and a lossy channel is expected to force at least one timeout and
// retransmission.
func TestScenario3LossyDelayedChannel(t *testing.T) {
	cfg := channel.Config{
		LossRate:    0.15,
		CorruptRate: 0.10,
		DelayMin:    50 * time.Millisecond,
		DelayMax:    500 * time.Millisecond,
	}
	snd, rcv := wireUp(cfg, 2*time.Second, 123)
	const n = 20
	for i := 0; i < n; i++ {
		msg := fmt.Sprintf("Mensagem %d", i)
		if err := snd.Send([]byte(msg)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		got, err := rcv.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if string(got) != msg {
			t.Fatalf("message %d out of order or corrupted: got %q want %q", i, got, msg)
		}
	}
	st := snd.Stats()
	if st.Timeouts == 0 {
		t.Fatalf("expected at least one timeout under loss_rate=0.15, got 0")
	}
	if st.Retransmissions == 0 {
		t.Fatalf("expected at least one retransmission, got 0")
	}
	rst := rcv.Stats()
	if rst.MessagesDelivered != uint64(n) {
		t.Fatalf("MessagesDelivered=%d want %d (each exactly once)", rst.MessagesDelivered, n)
	}
}
