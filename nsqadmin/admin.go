// Package nsqadmin talks to nsqd's and nsqlookupd's HTTP admin APIs:
// ensuring topics exist before a consumer subscribes, and discovering
// live producers for a topic.
package nsqadmin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// topicCreateRetryDelay is how long EnsureTopics waits between rounds when
// one or more nsqd nodes haven't come up yet.
const topicCreateRetryDelay = time.Second

// Client talks to one or more nsqd admin endpoints and an optional
// nsqlookupd for discovery.
type Client struct {
	httpClient *http.Client
	nsqdAddrs  []string
	lookupdURL string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLookupd sets the nsqlookupd HTTP address used by DiscoverProducers.
func WithLookupd(addr string) Option {
	return func(c *Client) { c.lookupdURL = addr }
}

// New builds a Client against the given nsqd HTTP admin addresses
// (host:port, no scheme).
func New(nsqdAddrs []string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		nsqdAddrs:  nsqdAddrs,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureTopics creates every topic on every configured nsqd node,
// retrying until all of them succeed or ctx is cancelled — nsqd's
// /topic/create is idempotent, so a topic that already exists is not an
// error.
func (c *Client) EnsureTopics(ctx context.Context, topics []string) error {
	pending := make(map[string][]string) // topic -> addrs still needing it
	for _, topic := range topics {
		pending[topic] = append([]string{}, c.nsqdAddrs...)
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		for topic, addrs := range pending {
			var remaining []string
			for _, addr := range addrs {
				if err := c.createTopic(ctx, addr, topic); err != nil {
					c.logger.Warn("create topic failed, will retry",
						slog.String("topic", topic), slog.String("addr", addr), slog.Any("err", err))
					remaining = append(remaining, addr)
					continue
				}
			}
			if len(remaining) == 0 {
				delete(pending, topic)
			} else {
				pending[topic] = remaining
			}
		}

		if len(pending) == 0 {
			break
		}

		select {
		case <-time.After(topicCreateRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (c *Client) createTopic(ctx context.Context, addr, topic string) error {
	u := fmt.Sprintf("http://%s/topic/create?topic=%s", addr, url.QueryEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqadmin: create topic %q on %s: status %d", topic, addr, resp.StatusCode)
	}
	return nil
}

// lookupResponse models the fields of nsqlookupd's /nodes and /lookup
// responses that DiscoverProducers needs.
type lookupResponse struct {
	Producers []struct {
		BroadcastAddress string `json:"broadcast_address"`
		HTTPPort         int    `json:"http_port"`
		TCPPort          int    `json:"tcp_port"`
	} `json:"producers"`
}

// DiscoverProducers queries nsqlookupd for the nsqd nodes currently
// producing topic, returning their TCP addresses in host:port form.
func (c *Client) DiscoverProducers(ctx context.Context, topic string) ([]string, error) {
	if c.lookupdURL == "" {
		return nil, fmt.Errorf("nsqadmin: no lookupd configured")
	}

	u := fmt.Sprintf("http://%s/lookup?topic=%s", c.lookupdURL, url.QueryEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nsqadmin: lookup topic %q: status %d", topic, resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("nsqadmin: decode lookup response: %w", err)
	}

	addrs := make([]string, 0, len(body.Producers))
	for _, p := range body.Producers {
		addrs = append(addrs, fmt.Sprintf("%s:%d", p.BroadcastAddress, p.TCPPort))
	}
	return addrs, nil
}
