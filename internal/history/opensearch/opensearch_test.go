package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/daemonkit/internal/history"
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
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "daemon-history")
	event := history.Event{
		Type:       history.EventStop,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{ID: "mailer", PID: 4242},
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/daemon-history/_doc" {
		t.Errorf("unexpected path %s", receivedURL)
	}
	var got history.Event
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("body is not an event: %v", err)
	}
	if got.Type != history.EventStop || got.Record.ID != "mailer" || got.Record.PID != 4242 {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sink := New(server.URL, "idx")
	if err := sink.Send(context.Background(), history.Event{Type: history.EventStart}); err == nil {
		t.Fatalf("expected error on 400 response")
	}
}
