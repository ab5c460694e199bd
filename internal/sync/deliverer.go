// Package sync drains the offline request queue when connectivity allows.
package sync

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tyrerescue/agent/internal/errors"
)

// Deliverer attempts delivery of a single queued payload.
// A nil error means the payload was accepted by the remote end.
type Deliverer interface {
	Deliver(ctx context.Context, payload []byte) error
}

// HTTPDeliverer posts payloads to the booking API submission endpoint,
// the same endpoint the original online submission would have used.
type HTTPDeliverer struct {
	endpoint string
	client   *http.Client
}

// DefaultAttemptTimeout bounds a single delivery attempt. Emergency
// context favors failing fast and retrying on the next pass.
const DefaultAttemptTimeout = 5 * time.Second

// NewHTTPDeliverer creates an HTTPDeliverer for the given endpoint.
// A zero timeout falls back to DefaultAttemptTimeout.
func NewHTTPDeliverer(endpoint string, timeout time.Duration) *HTTPDeliverer {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &HTTPDeliverer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Deliver posts the payload as JSON. Success is any 2xx status.
func (d *HTTPDeliverer) Deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(errors.ErrDeliveryFailed, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrDeliveryFailed, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New(errors.ErrEndpointStatus,
			fmt.Sprintf("endpoint returned %d", resp.StatusCode))
	}

	return nil
}
