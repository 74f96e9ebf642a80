package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// LedgerAdapter delivers one audit event to the permissioned ledger's
// ingest surface. The storage engine and chaincode live off-box; the
// control plane only hands events over.
type LedgerAdapter interface {
	Submit(ctx context.Context, e *Event) error
	Name() string
}

// HTTPAdapter posts events as JSON to a Fabric gateway ingest endpoint.
type HTTPAdapter struct {
	url    string
	client *http.Client
}

// NewHTTPAdapter creates the default adapter.
func NewHTTPAdapter(url string) *HTTPAdapter {
	return &HTTPAdapter{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (a *HTTPAdapter) Name() string { return "ledger-http" }

func (a *HTTPAdapter) Submit(ctx context.Context, e *Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ledger submit: status %d", resp.StatusCode)
	}
	return nil
}

// RedisAdapter appends events to a Redis Stream consumed by an off-box
// ledger submitter. Selected by config when the gateway and submitter
// are decoupled.
type RedisAdapter struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisAdapter creates a stream adapter. maxLen bounds the stream via
// approximate trimming; <= 0 disables trimming.
func NewRedisAdapter(client *redis.Client, stream string, maxLen int64) *RedisAdapter {
	return &RedisAdapter{client: client, stream: stream, maxLen: maxLen}
}

func (a *RedisAdapter) Name() string { return "ledger-redis" }

func (a *RedisAdapter) Submit(ctx context.Context, e *Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: a.stream,
		Values: map[string]any{
			"event_id":   e.EventID,
			"event_type": string(e.EventType),
			"payload":    body,
		},
	}
	if a.maxLen > 0 {
		args.MaxLen = a.maxLen
		args.Approx = true
	}
	if err := a.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("ledger xadd: %w", err)
	}
	return nil
}
