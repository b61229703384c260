// Package metrics exposes protocol and channel statistics snapshots as
// Prometheus gauges. It is a presentation-adjacent layer only: every
// protocol and the channel keep their own stats as plain records, and this
// package's sole job is mirroring a snapshot into gauges an external
// scraper can read. Nothing in the rest of the module depends on it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arqnet/rdt/channel"
	"github.com/arqnet/rdt/gbn"
	"github.com/arqnet/rdt/rdt20"
	"github.com/arqnet/rdt/rdt21"
	"github.com/arqnet/rdt/rdt30"
	"github.com/arqnet/rdt/sr"
)

// Exporter mirrors scenario run statistics into a Prometheus registry,
// keyed by a "scenario" label so multiple concurrent runs don't collide.
type Exporter struct {
	channelSent       *prometheus.GaugeVec
	channelLost       *prometheus.GaugeVec
	channelCorrupted  *prometheus.GaugeVec
	packetsSent       *prometheus.GaugeVec
	retransmissions   *prometheus.GaugeVec
	timeouts          *prometheus.GaugeVec
	acksReceived      *prometheus.GaugeVec
	messagesDelivered *prometheus.GaugeVec
	bufferedPackets   *prometheus.GaugeVec
	estimatedRTOMs    *prometheus.GaugeVec
}

// NewExporter registers the exporter's gauge vectors on reg and returns it.
func NewExporter(reg prometheus.Registerer) *Exporter {
	gv := func(name, help string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rdt",
			Name:      name,
			Help:      help,
		}, []string{"scenario"})
		reg.MustRegister(g)
		return g
	}
	return &Exporter{
		channelSent:       gv("channel_sent_total", "Datagrams submitted to the channel."),
		channelLost:       gv("channel_lost_total", "Datagrams dropped by the channel's loss roll."),
		channelCorrupted:  gv("channel_corrupted_total", "Datagrams corrupted by the channel."),
		packetsSent:       gv("sender_packets_sent_total", "Packets transmitted by a protocol sender; stop-and-wait senders include retransmissions, GBN and SR senders count each new packet once."),
		retransmissions:   gv("sender_retransmissions_total", "Retransmissions issued by a protocol sender."),
		timeouts:          gv("sender_timeouts_total", "Retransmission timer expiries observed by a protocol sender."),
		acksReceived:      gv("sender_acks_received_total", "ACKs observed by a protocol sender."),
		messagesDelivered: gv("receiver_messages_delivered_total", "Messages delivered to the application by a protocol receiver."),
		bufferedPackets:   gv("receiver_buffered_packets", "Packets currently held in a Selective Repeat receiver's reorder buffer."),
		estimatedRTOMs:    gv("sender_rto_milliseconds", "Current retransmission timeout in milliseconds."),
	}
}

// ObserveChannel mirrors a channel.Stats snapshot for scenario.
func (e *Exporter) ObserveChannel(scenario string, st channel.Stats) {
	e.channelSent.WithLabelValues(scenario).Set(float64(st.Sent))
	e.channelLost.WithLabelValues(scenario).Set(float64(st.Lost))
	e.channelCorrupted.WithLabelValues(scenario).Set(float64(st.Corrupted))
}

// ObserveRDT20 mirrors an RDT2.0 sender/receiver pair's stats for scenario.
func (e *Exporter) ObserveRDT20(scenario string, snd rdt20.SenderStats, rcv rdt20.ReceiverStats) {
	e.packetsSent.WithLabelValues(scenario).Set(float64(snd.PacketsSent))
	e.retransmissions.WithLabelValues(scenario).Set(float64(snd.Retransmissions))
	e.acksReceived.WithLabelValues(scenario).Set(float64(snd.AcksReceived))
	e.messagesDelivered.WithLabelValues(scenario).Set(float64(rcv.MessagesDelivered))
}

// ObserveRDT21 mirrors an RDT2.1 sender/receiver pair's stats for scenario.
func (e *Exporter) ObserveRDT21(scenario string, snd rdt21.SenderStats, rcv rdt21.ReceiverStats) {
	e.packetsSent.WithLabelValues(scenario).Set(float64(snd.PacketsSent))
	e.retransmissions.WithLabelValues(scenario).Set(float64(snd.Retransmissions))
	e.acksReceived.WithLabelValues(scenario).Set(float64(snd.AcksReceived))
	e.messagesDelivered.WithLabelValues(scenario).Set(float64(rcv.MessagesDelivered))
}

// ObserveRDT30 mirrors an RDT3.0 sender/receiver pair's stats for scenario.
func (e *Exporter) ObserveRDT30(scenario string, snd rdt30.SenderStats, rcv rdt30.ReceiverStats) {
	e.packetsSent.WithLabelValues(scenario).Set(float64(snd.PacketsSent))
	e.retransmissions.WithLabelValues(scenario).Set(float64(snd.Retransmissions))
	e.timeouts.WithLabelValues(scenario).Set(float64(snd.Timeouts))
	e.acksReceived.WithLabelValues(scenario).Set(float64(snd.AcksReceived))
	e.messagesDelivered.WithLabelValues(scenario).Set(float64(rcv.MessagesDelivered))
}

// ObserveGBN mirrors a Go-Back-N sender/receiver pair's stats for scenario.
func (e *Exporter) ObserveGBN(scenario string, snd gbn.SenderStats, rcv gbn.ReceiverStats) {
	e.packetsSent.WithLabelValues(scenario).Set(float64(snd.PacketsSent))
	e.retransmissions.WithLabelValues(scenario).Set(float64(snd.Retransmissions))
	e.acksReceived.WithLabelValues(scenario).Set(float64(snd.AcksReceived))
	e.messagesDelivered.WithLabelValues(scenario).Set(float64(rcv.MessagesDelivered))
}

// ObserveSR mirrors a Selective Repeat sender/receiver pair's stats for
// scenario, including the live reorder-buffer depth.
func (e *Exporter) ObserveSR(scenario string, snd sr.SenderStats, rcv sr.ReceiverStats) {
	e.packetsSent.WithLabelValues(scenario).Set(float64(snd.PacketsSent))
	e.retransmissions.WithLabelValues(scenario).Set(float64(snd.Retransmissions))
	e.timeouts.WithLabelValues(scenario).Set(float64(snd.Timeouts))
	e.acksReceived.WithLabelValues(scenario).Set(float64(snd.AcksReceived))
	e.bufferedPackets.WithLabelValues(scenario).Set(float64(rcv.BufferedPackets))
}

// ObserveRTO records a sender's current retransmission timeout, in
// milliseconds, for scenario.
func (e *Exporter) ObserveRTO(scenario string, rtoMs float64) {
	e.estimatedRTOMs.WithLabelValues(scenario).Set(rtoMs)
}
