package channel

import (
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu  sync.Mutex
	got [][]byte
}

func (c *collector) Deliver(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, p)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestReliableChannelDeliversEverything(t *testing.T) {
	ch := New(Reliable(), 1, nil)
	dst := &collector{}
	const n = 200
	for i := 0; i < n; i++ {
		ch.Send([]byte{byte(i)}, dst)
	}
	ch.Wait()
	if got := dst.len(); got != n {
		t.Fatalf("reliable channel delivered %d/%d", got, n)
	}
	st := ch.Stats()
	if st.Lost != 0 || st.Corrupted != 0 {
		t.Fatalf("reliable channel should never lose or corrupt, got %+v", st)
	}
}

func TestLossRateApproximatelyHonored(t *testing.T) {
	cfg := Config{LossRate: 0.5, DelayMin: 0, DelayMax: 0}
	ch := New(cfg, 42, nil)
	dst := &collector{}
	const n = 2000
	for i := 0; i < n; i++ {
		ch.Send([]byte{byte(i)}, dst)
	}
	ch.Wait()
	st := ch.Stats()
	if st.Sent != n {
		t.Fatalf("Sent=%d want %d", st.Sent, n)
	}
	frac := float64(st.Lost) / float64(n)
	if frac < 0.4 || frac > 0.6 {
		t.Fatalf("loss fraction %.3f outside expected band around 0.5", frac)
	}
	if int(st.Sent-st.Lost) != dst.len() {
		t.Fatalf("delivered count %d does not match sent-lost=%d", dst.len(), st.Sent-st.Lost)
	}
}

func TestCorruptionFlipsBytesWithoutMutatingOriginal(t *testing.T) {
	cfg := Config{CorruptRate: 1.0}
	ch := New(cfg, 7, nil)
	dst := &collector{}
	original := []byte("Mensagem 0 payload data")
	orig := append([]byte(nil), original...)
	ch.Send(original, dst)
	ch.Wait()
	if string(original) != string(orig) {
		t.Fatalf("Send must not mutate caller's payload slice")
	}
	if dst.len() != 1 {
		t.Fatalf("expected 1 delivery got %d", dst.len())
	}
	if string(dst.got[0]) == string(orig) {
		t.Fatalf("corrupt_rate=1.0 but delivered payload was unmodified")
	}
	if len(dst.got[0]) != len(orig) {
		t.Fatalf("corruption must not change payload length")
	}
}

func TestDelayWithinBounds(t *testing.T) {
	cfg := Config{DelayMin: 20 * time.Millisecond, DelayMax: 40 * time.Millisecond}
	ch := New(cfg, 3, nil)
	start := time.Now()
	done := make(chan struct{})
	ch.Send([]byte("x"), DeliverFunc(func([]byte) { close(done) }))
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("delivery did not arrive within generous upper bound")
	}
	elapsed := time.Since(start)
	if elapsed < cfg.DelayMin {
		t.Fatalf("delivered after %v, before configured DelayMin %v", elapsed, cfg.DelayMin)
	}
}

func TestResetStats(t *testing.T) {
	ch := New(Reliable(), 9, nil)
	ch.Send([]byte("a"), DeliverFunc(func([]byte) {}))
	ch.Wait()
	ch.ResetStats()
	st := ch.Stats()
	if st.Sent != 0 || st.Lost != 0 || st.Corrupted != 0 || st.TotalDelay != 0 {
		t.Fatalf("ResetStats left nonzero counters: %+v", st)
	}
}
