package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	cb "github.com/sony/gobreaker"
)

// Gateway posts offline-push requests to an external notification
// service. Calls run behind a circuit breaker so a dead gateway costs
// one failed request per probe instead of a 5 s stall per publish.
type Gateway struct {
	url     string
	client  *http.Client
	breaker *cb.CircuitBreaker
	timeout time.Duration
	log     zerolog.Logger
}

// GatewayOpts tunes the gateway; zero values pick the defaults.
type GatewayOpts struct {
	Timeout time.Duration
	Client  *http.Client
}

// NewGateway builds a Gateway for the given endpoint URL.
func NewGateway(url string, log zerolog.Logger, opts GatewayOpts) *Gateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	st := cb.Settings{Name: "push-gateway"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}

	return &Gateway{
		url:     url,
		client:  client,
		breaker: cb.NewCircuitBreaker(st),
		timeout: timeout,
		log:     log,
	}
}

type pushRequest struct {
	SessionName string `json:"sessionName"`
	UserID      string `json:"userId"`
	Preview     string `json:"preview"`
}

// PushOffline implements Notifier.
func (g *Gateway) PushOffline(ctx context.Context, session, userID, preview string) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.post(ctx, pushRequest{SessionName: session, UserID: userID, Preview: preview})
	})
	if err != nil {
		g.log.Debug().Err(err).Str("session", session).Str("userId", userID).Msg("offline push failed")
	}
	return err
}

func (g *Gateway) post(ctx context.Context, req pushRequest) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode push request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("push gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return nil
}
