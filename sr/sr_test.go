package sr

import (
	"fmt"
	"testing"
	"time"

	"github.com/arqnet/rdt/channel"
	"github.com/arqnet/rdt/wire"
)

func encodeTestPacket(seq uint8, payload string) []byte {
	return wire.Encode(wire.Packet{Kind: wire.KindDATA, Seq: seq, Payload: []byte(payload)})
}

func wireUp(n int, cfg channel.Config, rto time.Duration, seed int64) (*Sender, *Receiver) {
	fwd := channel.New(cfg, seed, nil)
	bwd := channel.New(cfg, seed+1, nil)
	var snd *Sender
	rcv, err := NewReceiver(bwd, channel.DeliverFunc(func(p []byte) { snd.Deliver(p) }), n, nil)
	if err != nil {
		panic(err)
	}
	snd, err = NewSender(fwd, rcv, n, rto, nil)
	if err != nil {
		panic(err)
	}
	return snd, rcv
}

func TestWindowOneNoFaults(t *testing.T) {
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

// TestScenario5WindowEightLossyChannel runs a window-eight Selective
// Repeat exchange over a lossy channel (N=8, loss=0.15, 50 messages), and
// exercises the out-of-order reorder buffer (buffered packets becomes
// nonzero while gaps are outstanding).
func TestScenario5WindowEightLossyChannel(t *testing.T) {
	cfg := channel.Config{LossRate: 0.15, DelayMin: time.Millisecond, DelayMax: 8 * time.Millisecond}
	snd, rcv := wireUp(8, cfg, 120*time.Millisecond, 13)
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

	// The last ACKs are sent after delivery and may be delayed or lost, so
	// give the sender time to see them (retransmitting if needed).
	st := snd.Stats()
	for deadline := time.Now().Add(3 * time.Second); st.Base != n && time.Now().Before(deadline); st = snd.Stats() {
		time.Sleep(10 * time.Millisecond)
	}
	if st.Base != n {
		t.Fatalf("sender base=%d want %d (fully acknowledged)", st.Base, n)
	}
}

func TestNoDuplicateDeliveryOnReorderBufferFlush(t *testing.T) {
	rcv, err := NewReceiver(channel.New(channel.Config{}, 1, nil), channel.DeliverFunc(func([]byte) {}), 4, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	// Deliver out of order: 1, 2, 0 (0 triggers flush of 0,1,2), then 2 again
	// (a duplicate must not re-enter the delivery queue).
	send := func(seq uint8, payload string) {
		rcv.Deliver(encodeTestPacket(seq, payload))
	}
	send(1, "b")
	send(2, "c")
	send(0, "a")
	send(2, "c")
	for _, want := range []string{"a", "b", "c"} {
		got, err := rcv.Recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
	select {
	case extra := <-rcv.delivery:
		t.Fatalf("unexpected extra delivery: %q", extra)
	default:
	}
}
