package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/it-era/authgate/kv"
)

func TestDispatcherDeliversToSink(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)
	defer d.Close()

	d.Emit(context.Background(), Event{
		EventType: EventLoginSuccess,
		UserID:    "user-1",
		Success:   true,
	})

	select {
	case event := <-sink.Events():
		if event.EventType != EventLoginSuccess || event.UserID != "user-1" {
			t.Fatalf("event = %+v", event)
		}
		if event.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}
	// Nil dispatchers absorb emissions and close without panicking.
	d.Emit(context.Background(), Event{EventType: EventLogout})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestDropIfFullCountsDrops(t *testing.T) {
	// A sink that never drains: channel sink with capacity 1 and no reader.
	sink := NewChannelSink(1)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	for i := 0; i < 50; i++ {
		d.Emit(context.Background(), Event{EventType: EventLoginFailed})
	}

	if d.Dropped() == 0 {
		t.Fatal("no drops recorded with a saturated buffer")
	}
}

func TestCloseDrainsBuffer(t *testing.T) {
	var buf bytes.Buffer
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, NewJSONWriterSink(&buf))

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: EventTokenRevoked, Success: true})
	}
	d.Close()

	lines := strings.Count(buf.String(), "\n")
	if lines != 5 {
		t.Fatalf("flushed lines = %d", lines)
	}
}

func TestStoreSinkWritesSecurityLog(t *testing.T) {
	store := kv.NewMemoryStore()
	sink := NewStoreSink(store, time.Hour)

	sink.Emit(context.Background(), Event{
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		EventType: EventDDoSDetected,
		Severity:  SeverityCritical,
		IP:        "10.0.0.1",
	})

	if store.Len() != 1 {
		t.Fatalf("stored entries = %d", store.Len())
	}
}

func TestJSONWriterSinkShape(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), Event{
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		EventType: EventSessionLocked,
		Severity:  SeverityHigh,
		SessionID: "ses_x",
		Metadata:  map[string]string{"reason": "BRUTE_FORCE"},
	})

	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.EventType != EventSessionLocked || decoded.Severity != SeverityHigh {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.Metadata["reason"] != "BRUTE_FORCE" {
		t.Fatalf("metadata = %v", decoded.Metadata)
	}
}
