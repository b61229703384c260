// Package harness drives the protocol packages in this module against a
// configurable unreliable channel: one goroutine producing application
// data, one goroutine consuming it, and the channel and protocol endpoints
// in between. It also loads scenario definitions from YAML, matching the
// configuration surface exercised by the end-to-end scenario tests.
package harness

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/arqnet/rdt/channel"
)

// Scenario describes one end-to-end run: which protocol to exercise, its
// channel fault parameters, and how many messages to push through it.
type Scenario struct {
	Name        string  `yaml:"name"`
	Protocol    string  `yaml:"protocol"` // rdt20, rdt21, rdt30, gbn, sr
	LossRate    float64 `yaml:"loss_rate"`
	CorruptRate float64 `yaml:"corrupt_rate"`
	DelayMinMS  int     `yaml:"delay_min_ms"`
	DelayMaxMS  int     `yaml:"delay_max_ms"`
	Window      int     `yaml:"window"`
	RTOMillis   int     `yaml:"rto_ms"`
	Messages    int     `yaml:"messages"`
	Seed        int64   `yaml:"seed"`
}

// ChannelConfig converts the scenario's fault-injection fields to a
// channel.Config.
func (s Scenario) ChannelConfig() channel.Config {
	return channel.Config{
		LossRate:    s.LossRate,
		CorruptRate: s.CorruptRate,
		DelayMin:    time.Duration(s.DelayMinMS) * time.Millisecond,
		DelayMax:    time.Duration(s.DelayMaxMS) * time.Millisecond,
	}
}

// RTO returns the scenario's configured retransmission timeout, defaulting
// to 1s if unset.
func (s Scenario) RTO() time.Duration {
	if s.RTOMillis <= 0 {
		return time.Second
	}
	return time.Duration(s.RTOMillis) * time.Millisecond
}

// LoadScenarios parses a YAML document listing scenarios, e.g.:
//
//	scenarios:
//	  - name: rdt20-baseline
//	    protocol: rdt20
//	    messages: 10
func LoadScenarios(r io.Reader) ([]Scenario, error) {
	var doc struct {
		Scenarios []Scenario `yaml:"scenarios"`
	}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("harness: decode scenarios: %w", err)
	}
	return doc.Scenarios, nil
}

// Result is the outcome of running a Scenario to completion.
type Result struct {
	Scenario   string
	Delivered  int
	Elapsed    time.Duration
	SenderStat any
	RecvStat   any
}

// runPair runs produce and consume concurrently and, once both have
// returned, reports the first error either returned. An error in one does
// not stop the other.
func runPair(produce, consume func() error) error {
	var g errgroup.Group
	g.Go(produce)
	g.Go(consume)
	return g.Wait()
}
