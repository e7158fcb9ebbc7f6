package transport

// Package transport carries the controller's datagram channels: latency
// reports from the co-located service and price/capacity messages exchanged
// with the resource manager.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// Channel identifies the socket an event arrived on.
type Channel int

const (
	ChannelLatency Channel = iota
	ChannelNegotiation
)

func (c Channel) String() string {
	switch c {
	case ChannelLatency:
		return "latency"
	case ChannelNegotiation:
		return "negotiation"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Event is one wake-up of the event loop: either a datagram or a timeout.
type Event struct {
	Timeout bool
	Channel Channel
	Payload []byte
	From    net.Addr
}

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// eventBuffer bounds the datagrams queued between the readers and the loop.
const eventBuffer = 1024

// UDPSource multiplexes the latency and negotiation sockets into a single
// stream of events. One goroutine per socket reads datagrams; the consumer
// sees them in arrival order through Next and Poll.
type UDPSource struct {
	latency     *net.UDPConn
	negotiation *net.UDPConn

	clock  clock.Clock
	events chan Event
	errs   chan error
	done   chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ListenUDP binds both sockets and starts their readers. Bind failures are
// returned as errors.
func ListenUDP(latencyAddr, negotiationAddr string, clk clock.Clock) (*UDPSource, error) {
	latency, err := listen(latencyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind latency channel: %w", err)
	}
	negotiation, err := listen(negotiationAddr)
	if err != nil {
		latency.Close()
		return nil, fmt.Errorf("failed to bind negotiation channel: %w", err)
	}

	s := &UDPSource{
		latency:     latency,
		negotiation: negotiation,
		clock:       clk,
		events:      make(chan Event, eventBuffer),
		errs:        make(chan error, 2),
		done:        make(chan struct{}),
	}
	s.wg.Add(2)
	go s.read(latency, ChannelLatency)
	go s.read(negotiation, ChannelNegotiation)

	klog.InfoS("Listening for datagrams",
		"latencyAddress", latency.LocalAddr().String(),
		"negotiationAddress", negotiation.LocalAddr().String())
	return s, nil
}

func listen(address string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	return net.ListenUDP("udp", addr)
}

func (s *UDPSource) read(conn *net.UDPConn, ch Channel) {
	defer s.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.errs <- fmt.Errorf("%s channel read failed: %w", ch, err)
			}
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case s.events <- Event{Channel: ch, Payload: payload, From: from}:
		case <-s.done:
			return
		}
	}
}

// Next blocks until a datagram arrives, timeout elapses or ctx is done.
// A timeout is reported as an Event with Timeout set. A socket failure is
// returned as an error.
func (s *UDPSource) Next(ctx context.Context, timeout time.Duration) (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	default:
	}

	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case err := <-s.errs:
		return Event{}, err
	case ev := <-s.events:
		return ev, nil
	case <-timer.C():
		return Event{Timeout: true}, nil
	}
}

// Poll returns a queued datagram without blocking.
func (s *UDPSource) Poll() (Event, bool) {
	select {
	case ev := <-s.events:
		return ev, true
	default:
		return Event{}, false
	}
}

// LatencyAddr returns the bound address of the latency socket.
func (s *UDPSource) LatencyAddr() *net.UDPAddr {
	return s.latency.LocalAddr().(*net.UDPAddr)
}

// NegotiationAddr returns the bound address of the negotiation socket.
func (s *UDPSource) NegotiationAddr() *net.UDPAddr {
	return s.negotiation.LocalAddr().(*net.UDPAddr)
}

// Sender returns a sender that writes to rmAddress from the negotiation
// socket, so replies from the resource manager come back on that socket.
func (s *UDPSource) Sender(rmAddress string) (*UDPSender, error) {
	to, err := net.ResolveUDPAddr("udp", rmAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid resource manager address %q: %w", rmAddress, err)
	}
	return &UDPSender{conn: s.negotiation, to: to}, nil
}

// Close stops the readers and closes both sockets.
func (s *UDPSource) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.done)
		errs = append(errs, s.latency.Close(), s.negotiation.Close())
		s.wg.Wait()
	})
	return errors.Join(errs...)
}

// UDPSender writes negotiation messages to the resource manager.
type UDPSender struct {
	conn *net.UDPConn
	to   *net.UDPAddr
}

// Send writes one datagram.
func (u *UDPSender) Send(payload []byte) error {
	if _, err := u.conn.WriteToUDP(payload, u.to); err != nil {
		return fmt.Errorf("failed to send to %s: %w", u.to, err)
	}
	return nil
}
