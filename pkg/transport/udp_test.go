package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"
)

func listenLoopback(t *testing.T, clk clock.Clock) *UDPSource {
	t.Helper()
	s, err := ListenUDP("127.0.0.1:0", "127.0.0.1:0", clk)
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func send(t *testing.T, to *net.UDPAddr, payload string) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, to)
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestUDPSource_TagsChannels(t *testing.T) {
	s := listenLoopback(t, clock.RealClock{})
	ctx := context.Background()

	send(t, s.LatencyAddr(), "0.125")
	ev, err := s.Next(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.Timeout || ev.Channel != ChannelLatency || string(ev.Payload) != "0.125" {
		t.Errorf("Unexpected latency event: %+v", ev)
	}

	send(t, s.NegotiationAddr(), "p_b=1 p_d=2")
	ev, err = s.Next(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.Channel != ChannelNegotiation || string(ev.Payload) != "p_b=1 p_d=2" {
		t.Errorf("Unexpected negotiation event: %+v", ev)
	}
}

func TestUDPSource_PollDrainsQueue(t *testing.T) {
	s := listenLoopback(t, clock.RealClock{})
	for _, p := range []string{"1", "2", "3"} {
		send(t, s.LatencyAddr(), p)
	}

	if _, err := s.Next(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	got := 1
	deadline := time.Now().Add(5 * time.Second)
	for got < 3 && time.Now().Before(deadline) {
		if _, ok := s.Poll(); ok {
			got++
			continue
		}
		time.Sleep(time.Millisecond)
	}
	if got != 3 {
		t.Fatalf("Expected 3 datagrams, got %d", got)
	}
	if ev, ok := s.Poll(); ok {
		t.Errorf("Queue should be empty, got %+v", ev)
	}
}

func TestUDPSource_Timeout(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	s := listenLoopback(t, fc)

	result := make(chan Event, 1)
	go func() {
		ev, err := s.Next(context.Background(), time.Second)
		if err != nil {
			t.Errorf("Next failed: %v", err)
		}
		result <- ev
	}()

	for !fc.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	fc.Step(time.Second)

	select {
	case ev := <-result:
		if !ev.Timeout {
			t.Errorf("Expected a timeout event, got %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after the timeout elapsed")
	}
}

func TestUDPSource_ContextCancel(t *testing.T) {
	s := listenLoopback(t, clock.RealClock{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Next(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestUDPSender_RepliesFromNegotiationSocket(t *testing.T) {
	s := listenLoopback(t, clock.RealClock{})

	rm, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer rm.Close()

	sender, err := s.Sender(rm.LocalAddr().String())
	if err != nil {
		t.Fatalf("Sender failed: %v", err)
	}
	if err := sender.Send([]byte("c_i=2")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	rm.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, from, err := rm.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP failed: %v", err)
	}
	if string(buf[:n]) != "c_i=2" {
		t.Errorf("Expected c_i=2, got %q", buf[:n])
	}
	if from.Port != s.NegotiationAddr().Port {
		t.Errorf("Expected datagram from port %d, got %d", s.NegotiationAddr().Port, from.Port)
	}
}

func TestUDPSource_BindFailure(t *testing.T) {
	if _, err := ListenUDP("not-an-address", "127.0.0.1:0", clock.RealClock{}); err == nil {
		t.Errorf("Expected bind error")
	}
}

func TestUDPSource_CloseIsIdempotent(t *testing.T) {
	s, err := ListenUDP("127.0.0.1:0", "127.0.0.1:0", clock.RealClock{})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}
