package harness

import (
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/arqnet/rdt/channel"
	"github.com/arqnet/rdt/gbn"
	"github.com/arqnet/rdt/rdt20"
	"github.com/arqnet/rdt/rdt21"
	"github.com/arqnet/rdt/rdt30"
	"github.com/arqnet/rdt/sr"
)

// RunID is a short, sortable, unique identifier for one harness run,
// useful for correlating a scenario's logs and metrics exposition.
type RunID = xid.ID

// NewRunID mints a fresh RunID.
func NewRunID() RunID { return xid.New() }

func messageAt(protocol string, i int) string {
	switch protocol {
	case "gbn", "sr":
		return fmt.Sprintf("Pacote %03d", i)
	default:
		return fmt.Sprintf("Mensagem %d", i)
	}
}

// RunRDT20 drives sc.Messages messages through a rdt20 sender/receiver pair
// over a channel configured from sc, and reports the outcome.
func RunRDT20(sc Scenario) (Result, error) {
	start := time.Now()
	fwd := channel.New(sc.ChannelConfig(), sc.Seed, nil)
	bwd := channel.New(sc.ChannelConfig(), sc.Seed+1, nil)
	var snd *rdt20.Sender
	rcv := rdt20.NewReceiver(bwd, channel.DeliverFunc(func(p []byte) { snd.Deliver(p) }), nil)
	snd = rdt20.NewSender(fwd, rcv, nil)

	delivered := 0
	err := runPair(func() error {
		for i := 0; i < sc.Messages; i++ {
			if err := snd.Send([]byte(messageAt(sc.Protocol, i))); err != nil {
				return err
			}
		}
		return nil
	}, func() error {
		for i := 0; i < sc.Messages; i++ {
			if _, err := rcv.Recv(); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	return Result{Scenario: sc.Name, Delivered: delivered, Elapsed: time.Since(start), SenderStat: snd.Stats(), RecvStat: rcv.Stats()}, err
}

// RunRDT21 is RunRDT20's counterpart for the alternating-bit protocol.
func RunRDT21(sc Scenario) (Result, error) {
	start := time.Now()
	fwd := channel.New(sc.ChannelConfig(), sc.Seed, nil)
	bwd := channel.New(sc.ChannelConfig(), sc.Seed+1, nil)
	var snd *rdt21.Sender
	rcv := rdt21.NewReceiver(bwd, channel.DeliverFunc(func(p []byte) { snd.Deliver(p) }), nil)
	snd = rdt21.NewSender(fwd, rcv, nil)

	delivered := 0
	err := runPair(func() error {
		for i := 0; i < sc.Messages; i++ {
			if err := snd.Send([]byte(messageAt(sc.Protocol, i))); err != nil {
				return err
			}
		}
		return nil
	}, func() error {
		for i := 0; i < sc.Messages; i++ {
			if _, err := rcv.Recv(); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	return Result{Scenario: sc.Name, Delivered: delivered, Elapsed: time.Since(start), SenderStat: snd.Stats(), RecvStat: rcv.Stats()}, err
}

// RunRDT30 is RunRDT20's counterpart for the timer-based protocol.
func RunRDT30(sc Scenario) (Result, error) {
	start := time.Now()
	fwd := channel.New(sc.ChannelConfig(), sc.Seed, nil)
	bwd := channel.New(sc.ChannelConfig(), sc.Seed+1, nil)
	var snd *rdt30.Sender
	rcv := rdt30.NewReceiver(bwd, channel.DeliverFunc(func(p []byte) { snd.Deliver(p) }), nil)
	snd = rdt30.NewSender(fwd, rcv, sc.RTO(), nil)

	delivered := 0
	err := runPair(func() error {
		for i := 0; i < sc.Messages; i++ {
			if err := snd.Send([]byte(messageAt(sc.Protocol, i))); err != nil {
				return err
			}
		}
		return nil
	}, func() error {
		for i := 0; i < sc.Messages; i++ {
			if _, err := rcv.Recv(); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	return Result{Scenario: sc.Name, Delivered: delivered, Elapsed: time.Since(start), SenderStat: snd.Stats(), RecvStat: rcv.Stats()}, err
}

// RunGBN drives sc.Messages messages through a Go-Back-N pair with window
// sc.Window.
func RunGBN(sc Scenario) (Result, error) {
	start := time.Now()
	fwd := channel.New(sc.ChannelConfig(), sc.Seed, nil)
	bwd := channel.New(sc.ChannelConfig(), sc.Seed+1, nil)
	var snd *gbn.Sender
	rcv := gbn.NewReceiver(bwd, channel.DeliverFunc(func(p []byte) { snd.Deliver(p) }), nil)
	snd, err := gbn.NewSender(fwd, rcv, sc.Window, sc.RTO(), nil)
	if err != nil {
		return Result{}, err
	}
	defer snd.Close()

	delivered := 0
	runErr := runPair(func() error {
		for i := 0; i < sc.Messages; i++ {
			if err := snd.Send([]byte(messageAt(sc.Protocol, i))); err != nil {
				return err
			}
		}
		return nil
	}, func() error {
		for i := 0; i < sc.Messages; i++ {
			if _, err := rcv.Recv(); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	return Result{Scenario: sc.Name, Delivered: delivered, Elapsed: time.Since(start), SenderStat: snd.Stats(), RecvStat: rcv.Stats()}, runErr
}

// RunSR drives sc.Messages messages through a Selective Repeat pair with
// window sc.Window.
func RunSR(sc Scenario) (Result, error) {
	start := time.Now()
	fwd := channel.New(sc.ChannelConfig(), sc.Seed, nil)
	bwd := channel.New(sc.ChannelConfig(), sc.Seed+1, nil)
	var snd *sr.Sender
	rcv, err := sr.NewReceiver(bwd, channel.DeliverFunc(func(p []byte) { snd.Deliver(p) }), sc.Window, nil)
	if err != nil {
		return Result{}, err
	}
	snd, err = sr.NewSender(fwd, rcv, sc.Window, sc.RTO(), nil)
	if err != nil {
		return Result{}, err
	}
	defer snd.Close()

	delivered := 0
	runErr := runPair(func() error {
		for i := 0; i < sc.Messages; i++ {
			if err := snd.Send([]byte(messageAt(sc.Protocol, i))); err != nil {
				return err
			}
		}
		return nil
	}, func() error {
		for i := 0; i < sc.Messages; i++ {
			if _, err := rcv.Recv(); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	return Result{Scenario: sc.Name, Delivered: delivered, Elapsed: time.Since(start), SenderStat: snd.Stats(), RecvStat: rcv.Stats()}, runErr
}

// Run dispatches sc to the runner matching sc.Protocol.
func Run(sc Scenario) (Result, error) {
	switch sc.Protocol {
	case "rdt20":
		return RunRDT20(sc)
	case "rdt21":
		return RunRDT21(sc)
	case "rdt30":
		return RunRDT30(sc)
	case "gbn":
		return RunGBN(sc)
	case "sr":
		return RunSR(sc)
	default:
		return Result{}, fmt.Errorf("harness: unknown protocol %q", sc.Protocol)
	}
}
