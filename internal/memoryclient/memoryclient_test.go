package memoryclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestRecall_SuccessReturnsExcerpts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(recallResponse{Excerpts: []string{"letzte Woche ging es um Schwimmkurs"}})
	}))
	defer srv.Close()

	c := New(srv.URL, 4)
	mc := c.Recall(context.Background(), "Schwimmkurs", "chat1", 5)
	if mc.Empty {
		t.Fatal("expected non-empty memory context")
	}
	if len(mc.Excerpts) != 1 {
		t.Fatalf("expected 1 excerpt, got %d", len(mc.Excerpts))
	}
}

func TestRecall_ServerErrorReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, 4)
	mc := c.Recall(context.Background(), "anything", "chat1", 5)
	if !mc.Empty {
		t.Fatal("expected empty memory context on server error")
	}
}

func TestRecall_UnreachableReturnsEmpty(t *testing.T) {
	c := New("http://127.0.0.1:0", 4, WithRecallTimeout(100*time.Millisecond))
	mc := c.Recall(context.Background(), "anything", "chat1", 5)
	if !mc.Empty {
		t.Fatal("expected empty memory context when service unreachable")
	}
}

func TestRecall_NoResultsIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(recallResponse{Excerpts: nil})
	}))
	defer srv.Close()

	c := New(srv.URL, 4)
	mc := c.Recall(context.Background(), "nothing matches", "chat1", 5)
	if !mc.Empty {
		t.Fatal("expected empty memory context when server returns no excerpts")
	}
}

func TestMemorize_FireAndForgetCompletes(t *testing.T) {
	var mu sync.Mutex
	var received memorizePayload
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&received)
		mu.Unlock()
		close(done)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL, 4)
	c.Memorize("chat1", "anna", "wir treffen uns um 17 Uhr", time.Now())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("memorize did not reach the server in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if received.ChatID != "chat1" || received.Sender != "anna" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestMemorize_DropsWhenPoolSaturated(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusAccepted)
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	c := New(srv.URL, 1)
	c.Memorize("chat1", "a", "first, occupies the only slot", time.Now())
	time.Sleep(50 * time.Millisecond) // let the first task claim the slot

	c.Memorize("chat1", "b", "second, should be dropped", time.Now())
	time.Sleep(50 * time.Millisecond)

	stats := c.Stats()
	if stats.Dropped != 1 {
		t.Fatalf("expected 1 dropped task, got %+v", stats)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, 4)
	h := c.HealthCheck(context.Background())
	if !h.Connected {
		t.Fatal("expected Connected=true")
	}
}

func TestHealthCheck_Unreachable(t *testing.T) {
	c := New("http://127.0.0.1:0", 4)
	h := c.HealthCheck(context.Background())
	if h.Connected {
		t.Fatal("expected Connected=false for unreachable service")
	}
}
