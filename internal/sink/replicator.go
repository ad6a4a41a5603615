package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Replicator forwards batches of share records to a remote accounting
// service over HTTPS. Used in proxy deployments where the local Postgres
// store is secondary to a shared upstream ledger.
type Replicator struct {
	endpoint string
	client   *http.Client
}

func NewReplicator(endpoint string, timeout time.Duration) *Replicator {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Replicator{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

// Send posts batch as a single JSON array. A non-2xx response or transport
// error is returned for the caller to retry with backoff.
func (r *Replicator) Send(ctx context.Context, batch []ShareRecord) error {
	if r.endpoint == "" {
		return nil
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal replication batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build replication request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("replication request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("replication endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Backoff computes the exponential retry delay for attempt (0-indexed),
// capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
