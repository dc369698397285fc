package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/healer/internal/history"
	"github.com/loykin/healer/internal/store"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"a-1","_index":"healer-actions","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "healer-actions")
	action := store.ActionRecord{
		ID:                "a-1",
		ActionType:        "restart",
		Target:            "llm-service",
		Severity:          "service_down",
		Outcome:           "success",
		TriggeringEventID: "cycle-1",
		At:                time.Now().UTC(),
	}
	if err := sink.Send(context.Background(), history.ActionEvent("edge-01", action)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if receivedMethod != http.MethodPut {
		t.Errorf("expected PUT, got %s", receivedMethod)
	}
	if receivedURL != "/healer-actions/_doc/a-1" {
		t.Errorf("unexpected path: %s", receivedURL)
	}
	var payload map[string]any
	if err := json.Unmarshal(receivedBody, &payload); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if payload["node"] != "edge-01" || payload["type"] != string(history.EventAction) {
		t.Errorf("unexpected payload: %v", payload)
	}
	act, ok := payload["action"].(map[string]any)
	if !ok || act["target"] != "llm-service" {
		t.Errorf("missing action in payload: %v", payload)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sink := New(server.URL+"/", "idx")
	err := sink.Send(context.Background(), history.Event{Type: history.EventAction, OccurredAt: time.Now()})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestOpenSearchSink_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(server.URL, "idx").Send(ctx, history.Event{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
