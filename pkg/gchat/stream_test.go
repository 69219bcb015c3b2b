// Copyright 2024-2026 Aiku AI

package gchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func streamFakeSpaces(fake *fakeChat) {
	fake.Handle("/v1/spaces", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"spaces": []apiSpace{{Name: "spaces/SP1", SpaceType: "SPACE", DisplayName: "Team"}},
		})
	})
	fake.Handle("/v1/spaces/SP1/members", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"memberships": []apiMembership{
				{Name: "spaces/SP1/members/1", Member: apiUser{Name: "users/self", Type: "HUMAN"}},
			},
		})
	})
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-events:
		if !ok {
			t.Fatal("event channel closed early")
		}
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestConnectDeliversPolledEvents(t *testing.T) {
	t.Parallel()
	fake := newFakeChat()
	t.Cleanup(fake.Close)
	streamFakeSpaces(fake)
	var delivered atomic.Bool
	fake.Handle("/v1/spaces/SP1/spaceEvents", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if delivered.Swap(true) {
			_, _ = w.Write([]byte("{}"))
			return
		}
		eventTime := time.Now().Add(time.Second).UTC().Format(time.RFC3339Nano)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"spaceEvents": []apiSpaceEvent{{
				Name:      "spaces/SP1/spaceEvents/e1",
				EventTime: eventTime,
				EventType: "google.workspace.chat.message.v1.created",
				MessageCreatedEventData: &struct {
					Message apiMessage `json:"message"`
				}{Message: apiMessage{
					Name:       "spaces/SP1/messages/m1",
					Sender:     &apiUser{Name: "users/alice"},
					Text:       "hi",
					CreateTime: eventTime,
				}},
			}},
		})
	})

	client := newTestClient(fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first := nextEvent(t, events)
	state, ok := first.(*StreamStateEvent)
	if !ok || !state.Connected {
		t.Fatalf("first event: got %T %+v, want connected state", first, first)
	}
	second := nextEvent(t, events)
	msg, ok := second.(*MessageEvent)
	if !ok {
		t.Fatalf("second event: got %T, want MessageEvent", second)
	}
	if msg.Message.ID != "m1" || msg.Message.Sender != "alice" || msg.Message.Text != "hi" {
		t.Errorf("message: %+v", msg.Message)
	}
	if !msg.Message.GroupID.IsSpace() || msg.Message.GroupID.Plain() != "SP1" {
		t.Errorf("group ID: %q", msg.Message.GroupID)
	}

	cancel()
	for {
		if _, ok := <-events; !ok {
			break
		}
	}
}

func TestStreamReportsAuthFailure(t *testing.T) {
	t.Parallel()
	fake := newFakeChat()
	t.Cleanup(fake.Close)
	streamFakeSpaces(fake)
	fake.Handle("/v1/spaces/SP1/spaceEvents", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":401}}`, http.StatusUnauthorized)
	})

	client := newTestClient(fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first := nextEvent(t, events)
	if state, ok := first.(*StreamStateEvent); !ok || !state.Connected {
		t.Fatalf("first event: got %T %+v, want connected state", first, first)
	}
	second := nextEvent(t, events)
	state, ok := second.(*StreamStateEvent)
	if !ok || state.Connected {
		t.Fatalf("second event: got %T %+v, want disconnected state", second, second)
	}
	if !errors.Is(state.Err, ErrAuthExpired) {
		t.Errorf("disconnect error: got %v, want ErrAuthExpired", state.Err)
	}
	if _, open := <-events; open {
		t.Error("event channel should be closed after auth failure")
	}
}

func TestDisconnectStopsStream(t *testing.T) {
	t.Parallel()
	fake := newFakeChat()
	t.Cleanup(fake.Close)
	streamFakeSpaces(fake)
	fake.Handle("/v1/spaces/SP1/spaceEvents", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})

	client := newTestClient(fake)
	events, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if state, ok := nextEvent(t, events).(*StreamStateEvent); !ok || !state.Connected {
		t.Fatal("expected connected state event")
	}
	client.Disconnect()
	select {
	case _, open := <-events:
		if open {
			t.Error("expected channel close after Disconnect")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
