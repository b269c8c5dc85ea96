package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestDispatcherDeliversToCoupleSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "couple-1")
	defer cleanup()
	other, otherCleanup := dispatcher.Subscribe(ctx, "couple-2")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		CoupleID:  "couple-1",
		CycleID:   "cycle-1",
		Table:     TableCycles,
		EventType: "update",
		Payload:   json.RawMessage(`{"status":"generating"}`),
	})

	select {
	case message := <-stream:
		if message.CycleID != "cycle-1" || message.Table != TableCycles {
			t.Fatalf("unexpected message %+v", message)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected delivery to the couple's subscriber")
	}

	select {
	case message := <-other:
		t.Fatalf("unexpected cross-couple delivery %+v", message)
	default:
	}
}

func TestDispatcherDropsWhenSubscriberStalls(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := dispatcher.Subscribe(ctx, "couple-1")
	defer cleanup()

	// Nobody drains the channel; publishing past the buffer must not block.
	done := make(chan struct{})
	go func() {
		for index := 0; index < 64; index++ {
			dispatcher.Publish(RealtimeMessage{CoupleID: "couple-1", CycleID: "cycle-1", Table: TableCycles})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a stalled subscriber")
	}
}

func TestDispatcherCleanupStopsDelivery(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "couple-1")
	cleanup()

	dispatcher.Publish(RealtimeMessage{CoupleID: "couple-1", CycleID: "cycle-1", Table: TableCycles})
	select {
	case _, open := <-stream:
		if open {
			t.Fatalf("expected no delivery after cleanup")
		}
	default:
	}
}

// TestCycleStreamEmitsChangeEvents walks the wire path end to end: an SSE
// subscription authenticated through the query parameter receives the change
// event produced by the partner's mutation.
func TestCycleStreamEmitsChangeEvents(t *testing.T) {
	fixture := newTestFixture(t)
	tokenOne := fixture.token(t, "partner-one", "Alex")
	tokenTwo := fixture.token(t, "partner-two", "Sam")
	fixture.joinedCouple(t, tokenOne, tokenTwo)

	_, view := fixture.request(t, http.MethodGet, "/cycles/current", tokenOne, nil)
	cycleID, _ := view["cycleId"].(string)
	if cycleID == "" {
		t.Fatalf("expected a cycle identifier, got %v", view)
	}

	streamResponse, err := http.Get(fixture.server.URL + "/cycles/" + cycleID + "/stream?access_token=" + tokenOne)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer func() { _ = streamResponse.Body.Close() }()
	if streamResponse.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status %d", streamResponse.StatusCode)
	}
	if contentType := streamResponse.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	frames := make(chan string, 8)
	go func() {
		reader := bufio.NewReader(streamResponse.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(frames)
				return
			}
			frames <- strings.TrimSpace(line)
		}
	}()

	// The subscription races the publish; give the server a beat to register.
	time.Sleep(50 * time.Millisecond)

	response, body := fixture.request(t, http.MethodPost, "/cycles/"+cycleID+"/input", tokenTwo,
		map[string]interface{}{"kind": "mood-cards", "cards": []string{"playful"}})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected input status %d: %v", response.StatusCode, body)
	}

	deadline := time.After(3 * time.Second)
	sawEvent := false
	var dataLine string
	for !sawEvent || dataLine == "" {
		select {
		case line, open := <-frames:
			if !open {
				t.Fatalf("stream closed before the change event arrived")
			}
			if line == "event: "+RealtimeEventCycleChanged {
				sawEvent = true
			}
			if sawEvent && strings.HasPrefix(line, "data: ") {
				dataLine = strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatalf("timed out waiting for the change event")
		}
	}

	var envelope struct {
		Table   string `json:"table"`
		CycleID string `json:"cycleId"`
	}
	if err := json.Unmarshal([]byte(dataLine), &envelope); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if envelope.Table != TableCycles {
		t.Fatalf("unexpected table %q", envelope.Table)
	}
	if envelope.CycleID != cycleID {
		t.Fatalf("unexpected cycle %q", envelope.CycleID)
	}
}
