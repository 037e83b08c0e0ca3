// Package collab adapts the external reply-generation and behavior services,
// both reached with JSON over HTTP.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"outreach/internal/model"
	"outreach/internal/reply"
	"outreach/internal/sender"
	"outreach/internal/warmup"
)

var ErrNoEndpoint = errors.New("collab: endpoint not configured")

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type client struct {
	url  string
	http HTTPDoer
}

func newClient(url string, timeout time.Duration, doer HTTPDoer) (client, error) {
	if url == "" {
		return client{}, ErrNoEndpoint
	}
	if doer == nil {
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	return client{url: url, http: doer}, nil
}

// post sends body as JSON and decodes the response into out. 5xx and 429
// answers are retried.
func (c client) post(ctx context.Context, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return sender.Retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("%w: %v", sender.ErrPermanent, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: request failed: %v", sender.ErrTransient, err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: read response: %v", sender.ErrTransient, err)
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d: %s", sender.ErrTransient, resp.StatusCode, sender.Short(string(data)))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("%w: status %d: %s", sender.ErrPermanent, resp.StatusCode, sender.Short(string(data)))
		}
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", sender.ErrPermanent, err)
		}
		return nil
	})
}

// HTTPReplyGenerator asks a remote service for the text of a reply.
type HTTPReplyGenerator struct{ c client }

func NewReplyGenerator(url string, timeout time.Duration, doer HTTPDoer) (*HTTPReplyGenerator, error) {
	c, err := newClient(url, timeout, doer)
	if err != nil {
		return nil, err
	}
	return &HTTPReplyGenerator{c: c}, nil
}

type replyResponse struct {
	Reply string `json:"reply"`
}

func (g *HTTPReplyGenerator) GenerateReply(ctx context.Context, rc reply.Context) (string, error) {
	var out replyResponse
	if err := g.c.post(ctx, rc, &out); err != nil {
		return "", err
	}
	return out.Reply, nil
}

// HTTPActivityPerformer asks a remote service to carry out a warmup activity.
type HTTPActivityPerformer struct{ c client }

func NewActivityPerformer(url string, timeout time.Duration, doer HTTPDoer) (*HTTPActivityPerformer, error) {
	c, err := newClient(url, timeout, doer)
	if err != nil {
		return nil, err
	}
	return &HTTPActivityPerformer{c: c}, nil
}

type activityRequest struct {
	AccountID string       `json:"account_id"`
	Phone     string       `json:"phone"`
	Stage     warmup.Stage `json:"stage"`
}

type activityResponse struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

func (p *HTTPActivityPerformer) PerformWarmupActivity(ctx context.Context, acc model.Account, st warmup.Stage) error {
	var out activityResponse
	if err := p.c.post(ctx, activityRequest{AccountID: acc.ID, Phone: acc.Phone, Stage: st}, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("collab: activity %s not performed: %s", st.Name, out.Detail)
	}
	return nil
}
