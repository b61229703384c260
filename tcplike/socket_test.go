package tcplike

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/arqnet/rdt/channel"
)

func wireUp(t *testing.T, cfg channel.Config, seed int64) (*Socket, *Listener) {
	t.Helper()
	cToS := channel.New(cfg, seed, nil)
	sToC := channel.New(cfg, seed+1, nil)

	// Both sockets are fully allocated (and thus safe Deliverer targets)
	// before either side's handshake starts.
	listener := Listen(sToC, nil, 9000, 9001, nil)
	client := NewClient(cToS, listener, 9001, 9000, nil)
	listener.sock.peer = client

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()

	_, err := listener.Accept(2 * time.Second)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	return client, listener
}

func TestHandshakeReachesEstablished(t *testing.T) {
	client, listener := wireUp(t, channel.Config{}, 1)
	if client.State() != StateEstablished {
		t.Fatalf("client state=%v want ESTABLISHED", client.State())
	}
	if listener.sock.State() != StateEstablished {
		t.Fatalf("server state=%v want ESTABLISHED", listener.sock.State())
	}
}

func TestSendRecvSmallMessage(t *testing.T) {
	client, listener := wireUp(t, channel.Config{}, 2)
	srv := listener.sock

	msg := []byte("hello over a simplified stream")
	if _, err := client.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := srv.Recv(len(msg))
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q want %q", got, msg)
	}
}

// TestScenarioLargePayloadLossyChannel covers the 1 MiB payload, loss=0.05
// case: bytes must arrive byte-for-byte identical, loss must force at least
// one retransmission, and the adaptive RTO estimator must converge to
// something in the neighborhood of the channel's actual round-trip delay.
func TestScenarioLargePayloadLossyChannel(t *testing.T) {
	cfg := channel.Config{LossRate: 0.05, DelayMin: 2 * time.Millisecond, DelayMax: 8 * time.Millisecond}
	client, listener := wireUp(t, cfg, 42)
	srv := listener.sock

	const size = 1 << 20 // 1 MiB
	payload := make([]byte, size)
	rand.New(rand.NewSource(99)).Read(payload)

	sendErr := make(chan error, 1)
	go func() {
		_, err := client.Send(payload)
		sendErr <- err
	}()

	got := make([]byte, 0, size)
	deadline := time.Now().Add(60 * time.Second)
	for len(got) < size {
		if time.Now().After(deadline) {
			t.Fatalf("only received %d/%d bytes before deadline", len(got), size)
		}
		chunk, err := srv.Recv(size - len(got))
		if err != nil {
			if err == ErrRecvTimeout {
				continue
			}
			t.Fatalf("recv: %v", err)
		}
		got = append(got, chunk...)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("received payload differs from what was sent")
	}

	st := client.Stats()
	if st.Retransmissions == 0 {
		t.Fatalf("expected at least one retransmission under loss_rate=0.05, got 0")
	}
	wantRoundTrip := cfg.DelayMin + cfg.DelayMax // one way each direction
	if st.EstimatedRTT <= 0 || st.EstimatedRTT > 10*wantRoundTrip {
		t.Fatalf("estimated RTT %v did not converge near the channel's actual round trip (~%v)", st.EstimatedRTT, wantRoundTrip)
	}
}

func TestGracefulClose(t *testing.T) {
	client, listener := wireUp(t, channel.Config{}, 3)
	srv := listener.sock

	if err := client.Close(); err != nil {
		t.Fatalf("client close: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for srv.State() != StateClosed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.State() != StateClosed {
		t.Fatalf("server never reached CLOSED, stuck at %v", srv.State())
	}
}
