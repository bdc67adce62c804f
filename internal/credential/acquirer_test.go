package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ent0n29/agenttest/internal/agent"
	"github.com/ent0n29/agenttest/internal/reliability"
)

func TestAcquireSendsIdentityAndMetadata(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/token/generate-one" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte("  tok-123\n"))
	}))
	defer srv.Close()

	a := NewAcquirer(srv.URL + "/")
	id := agent.Identity{RoomName: "room-1", ParticipantName: "tester-1"}
	token, err := a.Acquire(context.Background(), id, agent.TestConfig{Name: "Agent1", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if token != "tok-123" {
		t.Fatalf("token = %q, want %q", token, "tok-123")
	}
	if got.RoomName != "room-1" || got.ParticipantName != "tester-1" {
		t.Fatalf("unexpected identity in request: %+v", got)
	}

	var meta agent.TestConfig
	if err := json.Unmarshal([]byte(got.Metadata), &meta); err != nil {
		t.Fatalf("metadata is not a JSON string: %v", err)
	}
	if meta.Name != "Agent1" || meta.Model != "gpt-4o" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestAcquireSurfacesBackendBodyVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token service exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewAcquirer(srv.URL).Acquire(context.Background(), agent.Identity{RoomName: "r", ParticipantName: "p"}, agent.TestConfig{Name: "a"})
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("error = %T %v, want *CredentialError", err, err)
	}
	if credErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("StatusCode = %d, want 500", credErr.StatusCode)
	}
	if credErr.Error() != "token service exploded" {
		t.Fatalf("Error() = %q, want backend body", credErr.Error())
	}
	if !reliability.IsRetryable(err) {
		t.Fatalf("500 should be classified retryable")
	}
}

func TestAcquireEmptyErrorBodyFallsBackToStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewAcquirer(srv.URL).Acquire(context.Background(), agent.Identity{}, agent.TestConfig{})
	if err == nil || !strings.Contains(err.Error(), "status 403") {
		t.Fatalf("error = %v, want status 403 message", err)
	}
	if reliability.IsRetryable(err) {
		t.Fatalf("403 should not be retryable")
	}
}

func TestAcquireRejectsEmptyCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := NewAcquirer(srv.URL).Acquire(context.Background(), agent.Identity{}, agent.TestConfig{})
	if !errors.Is(err, ErrEmptyCredential) {
		t.Fatalf("error = %v, want ErrEmptyCredential", err)
	}
}

func TestAcquireUnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewAcquirer(url).Acquire(context.Background(), agent.Identity{}, agent.TestConfig{})
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("error = %T %v, want *CredentialError", err, err)
	}
	if credErr.Err == nil || credErr.StatusCode != 0 {
		t.Fatalf("unexpected error fields: %+v", credErr)
	}
}
