package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWSRegistryDeliversToConnectedCaptain(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("cap-1", conn)
		close(ready)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	<-ready

	if err := reg.Notify(context.Background(), "cap-1", Message{Type: TypeBroadcast, Text: "fog at the bay bridge"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := client.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeBroadcast || got.Text != "fog at the bay bridge" {
		t.Fatalf("unexpected message %+v", got)
	}

	if err := reg.Notify(context.Background(), "cap-2", Message{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestChainFallsBackToWebhook(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	chain := Chain{NewWSRegistry(), NewWebhook(srv.URL, "k")}
	if err := chain.Notify(context.Background(), "cap-9", Message{Type: TypeRideCancelled, RideID: "r1"}); err != nil {
		t.Fatalf("expected webhook delivery, got %v", err)
	}
	if body["captainId"] != "cap-9" {
		t.Fatalf("unexpected webhook body %v", body)
	}

	if err := (Chain{NewWSRegistry()}).Notify(context.Background(), "cap-9", Message{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected joined ErrNoSession, got %v", err)
	}
}
