package httppoll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codewandler/eventcentric-go/core/pull"
)

// Client polls producers over HTTP. The subscription url is the producer's
// base address; the client appends the protocol path.
type Client struct {
	http     *http.Client
	quantity int
}

type ClientConfig struct {
	// Timeout bounds one poll round trip. A timeout surfaces as an error,
	// which the puller treats as "nothing new". Default 10s.
	Timeout time.Duration
	// Quantity caps the events requested per poll. Default 50.
	Quantity int
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Quantity <= 0 {
		cfg.Quantity = defaultQuantity
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		quantity: cfg.Quantity,
	}
}

func (c *Client) PollEvents(ctx context.Context, url, token, consumer string, from int64) (pull.PollResponse, error) {
	body, err := json.Marshal(PollRequest{
		Consumer: consumer,
		From:     from,
		Quantity: c.quantity,
	})
	if err != nil {
		return pull.PollResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/events/poll", bytes.NewReader(body))
	if err != nil {
		return pull.PollResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return pull.PollResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pull.PollResponse{}, fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	var out pull.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pull.PollResponse{}, fmt.Errorf("failed to decode poll response: %w", err)
	}
	return out, nil
}

var _ pull.Client = (*Client)(nil)
