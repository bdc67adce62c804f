// Package credential requests short-lived room credentials from the token backend.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/agenttest/internal/agent"
	"github.com/ent0n29/agenttest/internal/reliability"
)

const maxBodyBytes = 64 << 10

var ErrEmptyCredential = errors.New("credential response was empty")

// CredentialError reports a rejected or failed credential request. Message is the
// backend response body when one was returned.
type CredentialError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *CredentialError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return "credential request failed: " + e.Err.Error()
	}
	return fmt.Sprintf("credential request failed with status %d", e.StatusCode)
}

func (e *CredentialError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *CredentialError) IsRetryable() bool {
	return e != nil && e.Retryable
}

type generateRequest struct {
	RoomName        string `json:"roomName"`
	ParticipantName string `json:"participantName"`
	Metadata        string `json:"metadata"`
}

// Acquirer posts identity and agent metadata to <base>/token/generate-one.
type Acquirer struct {
	endpoint string
	client   *http.Client
}

func NewAcquirer(baseURL string) *Acquirer {
	return NewAcquirerWithClient(baseURL, &http.Client{Timeout: 30 * time.Second})
}

func NewAcquirerWithClient(baseURL string, client *http.Client) *Acquirer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Acquirer{
		endpoint: strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/token/generate-one",
		client:   client,
	}
}

func (a *Acquirer) Endpoint() string {
	return a.endpoint
}

// Acquire returns the opaque bearer credential for identity. It never retries.
func (a *Acquirer) Acquire(ctx context.Context, identity agent.Identity, cfg agent.TestConfig) (string, error) {
	metadata, err := cfg.Metadata()
	if err != nil {
		return "", &CredentialError{Err: err}
	}
	payload, err := json.Marshal(generateRequest{
		RoomName:        identity.RoomName,
		ParticipantName: identity.ParticipantName,
		Metadata:        metadata,
	})
	if err != nil {
		return "", &CredentialError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &CredentialError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(req)
	if err != nil {
		return "", &CredentialError{Retryable: ctx.Err() == nil, Err: fmt.Errorf("send request: %w", err)}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return "", &CredentialError{StatusCode: res.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &CredentialError{
			StatusCode: res.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", &CredentialError{StatusCode: res.StatusCode, Err: ErrEmptyCredential}
	}
	return token, nil
}
