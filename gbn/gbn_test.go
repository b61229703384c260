package gbn

import (
	"fmt"
	"testing"
	"time"

	"github.com/arqnet/rdt/channel"
)

func wireUp(n int, cfg channel.Config, rto time.Duration, seed int64) (*Sender, *Receiver) {
	fwd := channel.New(cfg, seed, nil)
	bwd := channel.New(cfg, seed+1, nil)
	var snd *Sender
	rcv := NewReceiver(bwd, channel.DeliverFunc(func(p []byte) { snd.Deliver(p) }), nil)
	snd, err := NewSender(fwd, rcv, n, rto, nil)
	if err != nil {
		panic(err)
	}
	return snd, rcv
}

func TestWindowOneBehavesLikeStopAndWait(t *testing.T) {
	snd, rcv := wireUp(1, channel.Config{}, 100*time.Millisecond, 1)
	defer snd.Close()
	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("Pacote %03d", i)
		if err := snd.Send([]byte(msg)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		got, err := rcv.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if string(got) != msg {
			t.Fatalf("message %d: got %q want %q", i, got, msg)
		}
	}
}

// TestScenario4WindowFiveLossyChannel covers a window-five scenario: N=5,
// loss=0.10, corrupt=0.05, 50 messages "Pacote 000".."Pacote 049".
func TestScenario4WindowFiveLossyChannel(t *testing.T) {
	cfg := channel.Config{LossRate: 0.10, CorruptRate: 0.05, DelayMin: time.Millisecond, DelayMax: 5 * time.Millisecond}
	snd, rcv := wireUp(5, cfg, 150*time.Millisecond, 7)
	defer snd.Close()
	defer rcv.Close()

	const n = 50
	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			msg := fmt.Sprintf("Pacote %03d", i)
			if err := snd.Send([]byte(msg)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < n; i++ {
		want := fmt.Sprintf("Pacote %03d", i)
		got, err := rcv.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if string(got) != want {
			t.Fatalf("message %d delivered out of order: got %q want %q", i, got, want)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("sender goroutine: %v", err)
	}

	rst := rcv.Stats()
	if rst.MessagesDelivered != n {
		t.Fatalf("MessagesDelivered=%d want %d", rst.MessagesDelivered, n)
	}
	sst := snd.Stats()
	if sst.PacketsSent < n {
		t.Fatalf("PacketsSent=%d should be at least %d", sst.PacketsSent, n)
	}
}
