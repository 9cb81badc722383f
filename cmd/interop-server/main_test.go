package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tribal-ehr/interop/internal/config"
	"github.com/tribal-ehr/interop/internal/domain/router"
	"github.com/tribal-ehr/interop/internal/platform/hl7v2"
	"github.com/tribal-ehr/interop/internal/platform/mllp"
	"github.com/tribal-ehr/interop/internal/platform/websocket"
)

func parseFixture(t *testing.T, raw string) *hl7v2.Message {
	t.Helper()
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return msg
}

func admitMessage(t *testing.T, controlID string) *hl7v2.Message {
	t.Helper()
	raw := fmt.Sprintf(
		"MSH|^~\\&|REG|FAC|ENGINE|MAIN|20240115120000||ADT^A01|%s|P|2.5.1\r"+
			"EVN|A01|20240115120000\r"+
			"PID|1||MRN001^^^FAC^MR||DOE^JOHN||19800515|M\r"+
			"PV1|1|I|ICU^101^A",
		controlID,
	)
	return parseFixture(t, raw)
}

func defaultPipelineRouter() *router.Router {
	rtr := router.New()
	registerDefaultPipeline(rtr, hl7v2.NewValidator())
	return rtr
}

// subscribedClient registers a buffered client on the hub so broadcasts can
// be asserted without a live WebSocket connection.
func subscribedClient(hub *websocket.Hub, topics ...string) *websocket.Client {
	client := &websocket.Client{
		ID:     "test-client",
		Topics: topics,
		Send:   make(chan []byte, 16),
	}
	hub.Register(client)
	return client
}

func nextEvent(t *testing.T, client *websocket.Client) websocket.Event {
	t.Helper()
	select {
	case data := <-client.Send:
		var evt websocket.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return websocket.Event{}
	}
}

// ===================== Default pipeline =====================

func TestDefaultPipeline_ValidMessageAccepted(t *testing.T) {
	rtr := defaultPipelineRouter()

	ack, err := rtr.Route(context.Background(), admitMessage(t, "PIPE001"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if got := ack.FieldValue("MSA", 1); got != "AA" {
		t.Errorf("MSA-1 = %q, want AA", got)
	}
	if got := ack.FieldValue("MSA", 2); got != "PIPE001" {
		t.Errorf("MSA-2 = %q, want PIPE001", got)
	}
}

func TestDefaultPipeline_InvalidMessageRejected(t *testing.T) {
	rtr := defaultPipelineRouter()

	// ADT^A01 without its required PID segment.
	msg := parseFixture(t,
		"MSH|^~\\&|REG|FAC|ENGINE|MAIN|20240115120000||ADT^A01|PIPE002|P|2.5.1\r"+
			"EVN|A01|20240115120000\r"+
			"PV1|1|I|ICU^101^A")

	ack, err := rtr.Route(context.Background(), msg)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if got := ack.FieldValue("MSA", 1); got != "AE" {
		t.Errorf("MSA-1 = %q, want AE", got)
	}
	if diag := ack.FieldValue("ERR", 7); !strings.Contains(diag, "PID") {
		t.Errorf("ERR-7 = %q, want mention of PID", diag)
	}
}

func TestDefaultPipeline_UnknownTypeAccepted(t *testing.T) {
	rtr := defaultPipelineRouter()

	// Unknown message types only warn, so the wildcard handler accepts.
	msg := parseFixture(t,
		"MSH|^~\\&|REG|FAC|ENGINE|MAIN|20240115120000||ZZZ^Z01|PIPE003|P|2.5.1\r"+
			"ZDS|1|custom")

	ack, err := rtr.Route(context.Background(), msg)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if got := ack.FieldValue("MSA", 1); got != "AA" {
		t.Errorf("MSA-1 = %q, want AA", got)
	}
}

// ===================== MLLP bridge =====================

func TestMLLPHooks_RepliesWithAck(t *testing.T) {
	hooks := mllpHooks(defaultPipelineRouter(), websocket.NewHub(), zerolog.Nop())

	var replied []byte
	reply := func(payload []byte) error {
		replied = payload
		return nil
	}

	hooks.OnMessage(context.Background(), admitMessage(t, "BRIDGE01"), reply)

	if replied == nil {
		t.Fatal("no reply written")
	}
	ack := parseFixture(t, string(replied))
	if got := ack.FieldValue("MSA", 1); got != "AA" {
		t.Errorf("MSA-1 = %q, want AA", got)
	}
	if got := ack.FieldValue("MSA", 2); got != "BRIDGE01" {
		t.Errorf("MSA-2 = %q, want BRIDGE01", got)
	}
}

func TestMLLPHooks_PublishesReceivedAndAcked(t *testing.T) {
	hub := websocket.NewHub()
	client := subscribedClient(hub, websocket.TopicMessages)
	hooks := mllpHooks(defaultPipelineRouter(), hub, zerolog.Nop())

	hooks.OnMessage(context.Background(), admitMessage(t, "BRIDGE02"), func([]byte) error { return nil })

	first := nextEvent(t, client)
	if first.Type != websocket.EventMessageReceived {
		t.Errorf("first event type = %q, want %q", first.Type, websocket.EventMessageReceived)
	}
	if first.ControlID != "BRIDGE02" {
		t.Errorf("first event control ID = %q, want BRIDGE02", first.ControlID)
	}

	second := nextEvent(t, client)
	if second.Type != websocket.EventMessageAcked {
		t.Errorf("second event type = %q, want %q", second.Type, websocket.EventMessageAcked)
	}
	var payload map[string]string
	if err := json.Unmarshal(second.Data, &payload); err != nil {
		t.Fatalf("unmarshal ack payload: %v", err)
	}
	if payload["ackCode"] != "AA" {
		t.Errorf("ackCode = %q, want AA", payload["ackCode"])
	}
}

func TestMLLPHooks_PublishesRejectedForInvalidMessage(t *testing.T) {
	hub := websocket.NewHub()
	client := subscribedClient(hub, websocket.TopicMessages)
	hooks := mllpHooks(defaultPipelineRouter(), hub, zerolog.Nop())

	msg := parseFixture(t,
		"MSH|^~\\&|REG|FAC|ENGINE|MAIN|20240115120000||ADT^A01|BRIDGE03|P|2.5.1\r"+
			"EVN|A01|20240115120000\r"+
			"PV1|1|I|ICU^101^A")
	hooks.OnMessage(context.Background(), msg, func([]byte) error { return nil })

	nextEvent(t, client) // message.received
	second := nextEvent(t, client)
	if second.Type != websocket.EventMessageRejected {
		t.Errorf("second event type = %q, want %q", second.Type, websocket.EventMessageRejected)
	}
}

func TestMLLPHooks_StreamErrorEvent(t *testing.T) {
	hub := websocket.NewHub()
	client := subscribedClient(hub, websocket.TopicErrors)
	hooks := mllpHooks(defaultPipelineRouter(), hub, zerolog.Nop())

	hooks.OnError("conn-7", fmt.Errorf("mllp: frame discarded"))

	evt := nextEvent(t, client)
	if evt.Type != websocket.EventStreamError {
		t.Errorf("event type = %q, want %q", evt.Type, websocket.EventStreamError)
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload["connId"] != "conn-7" {
		t.Errorf("connId = %q, want conn-7", payload["connId"])
	}
}

func TestMLLPHooks_ConnectionLifecycleEvents(t *testing.T) {
	hub := websocket.NewHub()
	client := subscribedClient(hub, websocket.TopicConnections)
	hooks := mllpHooks(defaultPipelineRouter(), hub, zerolog.Nop())

	info := mllp.ConnectionInfo{ID: "conn-9", RemoteAddr: "10.0.0.7:51234", ConnectedAt: time.Now()}
	hooks.OnConnectionOpen(info)
	hooks.OnConnectionClose(info)

	opened := nextEvent(t, client)
	if opened.Type != websocket.EventConnectionOpened {
		t.Errorf("first event type = %q, want %q", opened.Type, websocket.EventConnectionOpened)
	}
	closed := nextEvent(t, client)
	if closed.Type != websocket.EventConnectionClosed {
		t.Errorf("second event type = %q, want %q", closed.Type, websocket.EventConnectionClosed)
	}

	var payload mllp.ConnectionInfo
	if err := json.Unmarshal(opened.Data, &payload); err != nil {
		t.Fatalf("unmarshal connection payload: %v", err)
	}
	if payload.RemoteAddr != "10.0.0.7:51234" {
		t.Errorf("remoteAddr = %q, want 10.0.0.7:51234", payload.RemoteAddr)
	}
}

// ===================== Send command =====================

func TestSendFile_DeliversAndReportsAck(t *testing.T) {
	srv := mllp.NewServer("127.0.0.1:0", mllp.WithHooks(mllp.Hooks{
		OnMessage: func(ctx context.Context, msg *hl7v2.Message, reply mllp.ReplyFunc) {
			ack, err := hl7v2.BuildAck(msg, hl7v2.AckAccept, "")
			if err != nil {
				t.Errorf("build ack: %v", err)
				return
			}
			if err := reply(ack.Serialize()); err != nil {
				t.Errorf("reply: %v", err)
			}
		},
	}))
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Stop(context.Background())

	// LF line endings on disk; the send path normalizes them.
	path := filepath.Join(t.TempDir(), "admit.hl7")
	raw := "MSH|^~\\&|REG|FAC|ENGINE|MAIN|20240115120000||ADT^A01|SEND001|P|2.5.1\n" +
		"EVN|A01|20240115120000\n" +
		"PID|1||MRN001^^^FAC^MR||DOE^JOHN||19800515|M\n" +
		"PV1|1|I|ICU^101^A"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	var out bytes.Buffer
	cfg := &config.Config{MLLPClientMaxRetries: 1}
	if err := sendFile(context.Background(), cfg, srv.Addr(), path, &out); err != nil {
		t.Fatalf("sendFile failed: %v", err)
	}

	report := out.String()
	if !strings.Contains(report, "ADT^A01") || !strings.Contains(report, "SEND001") {
		t.Errorf("report missing message identity: %q", report)
	}
	if !strings.Contains(report, "ack: AA") {
		t.Errorf("report missing ack code: %q", report)
	}
}

func TestSendFile_UnparseableFileFailsBeforeDial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.hl7")
	if err := os.WriteFile(path, []byte("not an hl7 message"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	// The address is never dialed: parse failure happens first.
	err := sendFile(context.Background(), &config.Config{}, "127.0.0.1:1", path, io.Discard)
	if !errors.Is(err, hl7v2.ErrMissingMSH) {
		t.Fatalf("expected ErrMissingMSH, got %v", err)
	}
}

func TestSendFile_MissingFile(t *testing.T) {
	err := sendFile(context.Background(), &config.Config{}, "127.0.0.1:1",
		filepath.Join(t.TempDir(), "absent.hl7"), io.Discard)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

// ===================== DLQ feed =====================

func TestDeadLetterHook_PublishesEntry(t *testing.T) {
	hub := websocket.NewHub()
	client := subscribedClient(hub, websocket.TopicDLQ)

	rtr := router.New(router.WithDeadLetterHook(deadLetterHook(hub)))
	// No handler registered: routing dead-letters the message.
	if _, err := rtr.Route(context.Background(), admitMessage(t, "DLQ001")); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	evt := nextEvent(t, client)
	if evt.Type != websocket.EventDeadLettered {
		t.Errorf("event type = %q, want %q", evt.Type, websocket.EventDeadLettered)
	}
	if evt.ControlID != "DLQ001" {
		t.Errorf("control ID = %q, want DLQ001", evt.ControlID)
	}
	var entry router.DeadLetterEntry
	if err := json.Unmarshal(evt.Data, &entry); err != nil {
		t.Fatalf("unmarshal entry payload: %v", err)
	}
	if entry.MessageType != "ADT^A01" {
		t.Errorf("entry message type = %q, want ADT^A01", entry.MessageType)
	}
}
