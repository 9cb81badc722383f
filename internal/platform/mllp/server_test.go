package mllp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tribal-ehr/interop/internal/platform/hl7v2"
)

// testADT is a minimal ADT^A01 message used across transport tests.
var testADT = "MSH|^~\\&|SendApp|SendFac|RecvApp|RecvFac|20240115120000||ADT^A01|MSG001|P|2.5.1\r" +
	"EVN|A01|20240115120000\r" +
	"PID|1||12345||Smith^John||19800101|M\r" +
	"PV1|1|I|ICU^101^A"

// readFramed reads one MLLP frame payload from conn.
func readFramed(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(timeout))
	dec := NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payloads, decErr := dec.Push(buf[:n])
			if decErr != nil {
				t.Fatalf("decode error: %v", decErr)
			}
			if len(payloads) > 0 {
				return payloads[0]
			}
		}
		if err != nil {
			t.Fatalf("error reading framed response: %v", err)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// ackingHooks replies to every message with an AA acknowledgment.
func ackingHooks(t *testing.T) Hooks {
	return Hooks{
		OnMessage: func(ctx context.Context, msg *hl7v2.Message, reply ReplyFunc) {
			ack, err := hl7v2.BuildAck(msg, hl7v2.AckAccept, "")
			if err != nil {
				t.Errorf("BuildAck failed: %v", err)
				return
			}
			if err := reply(ack.Serialize()); err != nil {
				t.Errorf("reply failed: %v", err)
			}
		},
	}
}

// =========== Server Tests ===========

func TestServer_StartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Addr() == "" {
		t.Fatal("Addr() returned empty string")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestServer_ReceiveAndReply(t *testing.T) {
	s := NewServer("127.0.0.1:0", WithHooks(ackingHooks(t)))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(Frame([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	ack, err := hl7v2.Parse(readFramed(t, conn, 5*time.Second))
	if err != nil {
		t.Fatalf("failed to parse ACK: %v", err)
	}
	if got := ack.FieldValue("MSA", 1); got != "AA" {
		t.Errorf("MSA-1 = %q, want AA", got)
	}
	if got := ack.FieldValue("MSA", 2); got != "MSG001" {
		t.Errorf("MSA-2 = %q, want MSG001", got)
	}
}

func TestServer_FramesDispatchedInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var received []string
	hooks := Hooks{
		OnMessage: func(ctx context.Context, msg *hl7v2.Message, reply ReplyFunc) {
			mu.Lock()
			received = append(received, msg.Header.ControlID)
			mu.Unlock()
		},
	}

	s := NewServer("127.0.0.1:0", WithHooks(hooks))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	msg1 := "MSH|^~\\&|A|B|C|D|20240115120000||ADT^A01|CTRL1|P|2.5.1"
	msg2 := "MSH|^~\\&|A|B|C|D|20240115120001||ADT^A01|CTRL2|P|2.5.1"
	combined := append(Frame([]byte(msg1)), Frame([]byte(msg2))...)
	if _, err := conn.Write(combined); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if received[0] != "CTRL1" || received[1] != "CTRL2" {
		t.Errorf("received order %v, want [CTRL1 CTRL2]", received)
	}
}

// A handler may hand its ReplyFunc to another goroutine and answer after
// later frames have already been acknowledged. The deferred reply then
// interleaves with newer replies on the same connection, and every write is
// still one intact frame.
func TestServer_DeferredReplyInterleavesWithLaterFrames(t *testing.T) {
	release := make(chan struct{})
	hooks := Hooks{
		OnMessage: func(ctx context.Context, msg *hl7v2.Message, reply ReplyFunc) {
			ack, err := hl7v2.BuildAck(msg, hl7v2.AckAccept, "")
			if err != nil {
				t.Errorf("BuildAck failed: %v", err)
				return
			}
			if msg.Header.ControlID == "SLOW1" {
				// Withhold the first ACK until the second frame is answered.
				go func() {
					<-release
					if err := reply(ack.Serialize()); err != nil {
						t.Errorf("deferred reply failed: %v", err)
					}
				}()
				return
			}
			if err := reply(ack.Serialize()); err != nil {
				t.Errorf("reply failed: %v", err)
			}
			close(release)
		},
	}

	s := NewServer("127.0.0.1:0", WithHooks(hooks))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	slow := "MSH|^~\\&|A|B|C|D|20240115120000||ADT^A01|SLOW1|P|2.5.1"
	fast := "MSH|^~\\&|A|B|C|D|20240115120001||ADT^A01|FAST2|P|2.5.1"
	combined := append(Frame([]byte(slow)), Frame([]byte(fast))...)
	if _, err := conn.Write(combined); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Both ACKs may arrive in one read, so collect them with one decoder.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	dec := NewDecoder()
	buf := make([]byte, 4096)
	var acks [][]byte
	for len(acks) < 2 {
		n, err := conn.Read(buf)
		if n > 0 {
			payloads, decErr := dec.Push(buf[:n])
			if decErr != nil {
				t.Fatalf("decode error: %v", decErr)
			}
			acks = append(acks, payloads...)
		}
		if err != nil {
			t.Fatalf("error reading framed responses: %v", err)
		}
	}

	order := make([]string, 0, 2)
	for _, raw := range acks {
		ack, err := hl7v2.Parse(raw)
		if err != nil {
			t.Fatalf("failed to parse ACK: %v", err)
		}
		if got := ack.FieldValue("MSA", 1); got != "AA" {
			t.Errorf("MSA-1 = %q, want AA", got)
		}
		order = append(order, ack.FieldValue("MSA", 2))
	}
	if order[0] != "FAST2" || order[1] != "SLOW1" {
		t.Errorf("reply order %v, want [FAST2 SLOW1]", order)
	}
}

func TestServer_ConnectionCap(t *testing.T) {
	s := NewServer("127.0.0.1:0", WithMaxConnections(1))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	first, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("first dial failed: %v", err)
	}
	defer first.Close()

	waitFor(t, 2*time.Second, func() bool { return len(s.Connections()) == 1 })

	// The second connection is accepted and closed immediately.
	second, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Error("expected the capped connection to be closed by the server")
	}
	if got := len(s.Connections()); got != 1 {
		t.Errorf("connection table size = %d, want 1", got)
	}
}

func TestServer_ParseErrorKeepsConnectionAlive(t *testing.T) {
	errs := make(chan error, 1)
	hooks := ackingHooks(t)
	hooks.OnError = func(connID string, err error) {
		select {
		case errs <- err:
		default:
		}
	}

	s := NewServer("127.0.0.1:0", WithHooks(hooks))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(Frame([]byte("THIS IS NOT HL7"))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error event")
	}

	// The connection still serves valid traffic.
	if _, err := conn.Write(Frame([]byte(testADT))); err != nil {
		t.Fatalf("Write valid message failed: %v", err)
	}
	ack, err := hl7v2.Parse(readFramed(t, conn, 5*time.Second))
	if err != nil {
		t.Fatalf("failed to parse ACK: %v", err)
	}
	if got := ack.FieldValue("MSA", 1); got != "AA" {
		t.Errorf("MSA-1 = %q, want AA", got)
	}
}

func TestServer_ConnectionEvents(t *testing.T) {
	opened := make(chan ConnectionInfo, 1)
	closed := make(chan ConnectionInfo, 1)
	hooks := Hooks{
		OnConnectionOpen:  func(info ConnectionInfo) { opened <- info },
		OnConnectionClose: func(info ConnectionInfo) { closed <- info },
	}

	s := NewServer("127.0.0.1:0", WithHooks(hooks))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	var openInfo ConnectionInfo
	select {
	case openInfo = <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for open event")
	}
	if openInfo.ID == "" {
		t.Error("open event missing connection ID")
	}
	if openInfo.RemoteAddr == "" {
		t.Error("open event missing remote address")
	}

	if _, err := conn.Write(Frame([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	conn.Close()

	select {
	case closeInfo := <-closed:
		if closeInfo.ID != openInfo.ID {
			t.Errorf("close event ID = %q, want %q", closeInfo.ID, openInfo.ID)
		}
		if closeInfo.MessageCount != 1 {
			t.Errorf("close event message count = %d, want 1", closeInfo.MessageCount)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close event")
	}

	if got := len(s.Connections()); got != 0 {
		t.Errorf("connection table size = %d, want 0", got)
	}
}

func TestServer_IdleTimeout(t *testing.T) {
	closed := make(chan ConnectionInfo, 1)
	s := NewServer("127.0.0.1:0",
		WithIdleTimeout(100*time.Millisecond),
		WithHooks(Hooks{OnConnectionClose: func(info ConnectionInfo) { closed <- info }}),
	)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection was not closed")
	}
}

func TestServer_StopClosesConnections(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitFor(t, 2*time.Second, func() bool { return len(s.Connections()) == 1 })

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection closed after Stop")
	}
}
