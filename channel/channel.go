// Package channel implements the configurable unreliable datagram channel
// used by every protocol variant in this module for fault injection. It
// never preserves per-pair ordering: packets with long delays may be
// overtaken by packets sent later with shorter delays.
package channel

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config describes the fault-injection parameters of a Channel.
type Config struct {
	// LossRate is the probability in [0,1] that a send is silently dropped.
	LossRate float64
	// CorruptRate is the probability in [0,1] that a send is corrupted
	// in-flight by flipping 1-5 random byte positions.
	CorruptRate float64
	// DelayMin and DelayMax bound the uniformly distributed delivery delay.
	// A Channel with DelayMin==DelayMax==0 delivers synchronously within
	// Send (still asynchronously with respect to ordering guarantees, since
	// nothing here serializes concurrent Send calls).
	DelayMin time.Duration
	DelayMax time.Duration
	// RateLimitBps, if nonzero, caps sustained throughput in bytes/second;
	// a burst of one MSS-sized datagram is always allowed immediately.
	RateLimitBps int
}

// Reliable returns the configuration for a channel with all fault rates at
// zero: a "reliable channel".
func Reliable() Config {
	return Config{DelayMin: time.Millisecond, DelayMax: 5 * time.Millisecond}
}

// Stats is a point-in-time snapshot of channel activity counters, exposed as
// a plain record (no presentation layer lives in this package).
type Stats struct {
	Sent       uint64
	Lost       uint64
	Corrupted  uint64
	TotalDelay time.Duration
}

// AvgDelay returns the mean delay applied across all sent (non-lost)
// packets, or zero if none have been sent.
func (s Stats) AvgDelay() time.Duration {
	delivered := s.Sent - s.Lost
	if delivered == 0 {
		return 0
	}
	return s.TotalDelay / time.Duration(delivered)
}

// Deliverer is anything a Channel can hand a (possibly corrupted) datagram
// to once its simulated transit time has elapsed. Protocol endpoints
// typically implement this as a thin adapter around their own inbound
// packet queue.
type Deliverer interface {
	Deliver(payload []byte)
}

// DeliverFunc adapts a plain function to the Deliverer interface.
type DeliverFunc func([]byte)

func (f DeliverFunc) Deliver(payload []byte) { f(payload) }

// Channel is a configurable unreliable datagram channel. The zero value is
// not usable; construct with New. A Channel is safe for concurrent use by
// multiple senders.
type Channel struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	wg      sync.WaitGroup
	stat    atomicStats
	limiter *rate.Limiter
}

type atomicStats struct {
	sent, lost, corrupted uint64
	totalDelayNanos       int64
}

// New constructs a Channel with cfg. If seed is zero a time-derived seed is
// used; tests that need reproducible corruption/loss patterns should pass a
// fixed non-zero seed.
func New(cfg Config, seed int64, log *slog.Logger) *Channel {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if log == nil {
		log = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RateLimitBps > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitBps), max(cfg.RateLimitBps, 1500))
	}
	return &Channel{
		cfg:     cfg,
		log:     log,
		rng:     rand.New(rand.NewSource(seed)),
		limiter: limiter,
	}
}

// Send transmits payload through the channel to dst. payload may
// be dropped (counted, dst never sees it), corrupted (1-5 byte positions
// XORed with 0xFF before delivery), and/or delayed uniformly within
// [DelayMin, DelayMax]. With a positive delay, Send returns at once and
// delivery happens on a timer goroutine; with a zero delay, dst.Deliver runs
// synchronously before Send returns.
func (c *Channel) Send(payload []byte, dst Deliverer) {
	atomic.AddUint64(&c.stat.sent, 1)

	c.mu.Lock()
	drop := c.rng.Float64() < c.cfg.LossRate
	var corrupt bool
	var delay time.Duration
	if !drop {
		corrupt = c.rng.Float64() < c.cfg.CorruptRate
		delay = c.randomDelay()
	}
	c.mu.Unlock()

	if drop {
		atomic.AddUint64(&c.stat.lost, 1)
		c.log.Debug("channel drop", slog.Int("len", len(payload)))
		return
	}

	out := payload
	if corrupt {
		out = c.corrupt(payload)
		atomic.AddUint64(&c.stat.corrupted, 1)
		c.log.Debug("channel corrupt", slog.Int("len", len(payload)))
	}
	atomic.AddInt64(&c.stat.totalDelayNanos, int64(delay))

	c.wg.Add(1)
	deliver := func() {
		defer c.wg.Done()
		if c.limiter != nil {
			c.limiter.WaitN(context.Background(), len(out))
		}
		dst.Deliver(out)
	}
	if delay <= 0 {
		deliver()
		return
	}
	time.AfterFunc(delay, deliver)
}

func (c *Channel) randomDelay() time.Duration {
	lo, hi := c.cfg.DelayMin, c.cfg.DelayMax
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(c.rng.Int63n(int64(span)))
}

// corrupt flips 1-5 random byte positions in a copy of payload. It never
// mutates the caller's slice: the original sender-side copy must remain
// intact for comparison in tests and for correct retransmission.
func (c *Channel) corrupt(payload []byte) []byte {
	out := append([]byte(nil), payload...)
	if len(out) == 0 {
		return out
	}
	c.mu.Lock()
	n := 1 + c.rng.Intn(min(5, len(out)))
	positions := make([]int, n)
	for i := range positions {
		positions[i] = c.rng.Intn(len(out))
	}
	c.mu.Unlock()
	for _, p := range positions {
		out[p] ^= 0xFF
	}
	return out
}

// Stats returns a snapshot of the channel's activity counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:       atomic.LoadUint64(&c.stat.sent),
		Lost:       atomic.LoadUint64(&c.stat.lost),
		Corrupted:  atomic.LoadUint64(&c.stat.corrupted),
		TotalDelay: time.Duration(atomic.LoadInt64(&c.stat.totalDelayNanos)),
	}
}

// ResetStats zeroes the channel's activity counters.
func (c *Channel) ResetStats() {
	atomic.StoreUint64(&c.stat.sent, 0)
	atomic.StoreUint64(&c.stat.lost, 0)
	atomic.StoreUint64(&c.stat.corrupted, 0)
	atomic.StoreInt64(&c.stat.totalDelayNanos, 0)
}

// Wait blocks until every delivery scheduled by Send has fired and its
// Deliver call has returned.
func (c *Channel) Wait() {
	c.wg.Wait()
}
