// Package mailer sends templated transactional email through an HTTP API.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Template string

const (
	TemplateWarning      Template = "warning"
	TemplateBlocked      Template = "blocked"
	TemplateVerification Template = "verification"
)

// Sender is what services depend on.
type Sender interface {
	Send(ctx context.Context, tmpl Template, to string, params map[string]any) error
}

type Client struct {
	endpoint  string
	apiKey    string
	sender    string
	templates map[Template]int
	http      *http.Client
	lg        *zap.SugaredLogger
}

type Options struct {
	Endpoint  string
	APIKey    string
	Sender    string
	Templates map[Template]int
	Timeout   time.Duration
}

func New(opts Options, lg *zap.SugaredLogger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		endpoint:  opts.Endpoint,
		apiKey:    opts.APIKey,
		sender:    opts.Sender,
		templates: opts.Templates,
		http:      &http.Client{Timeout: opts.Timeout},
		lg:        lg.With("component", "mailer"),
	}
}

type address struct {
	Email string `json:"email"`
}

type sendRequest struct {
	Sender     address        `json:"sender"`
	To         []address      `json:"to"`
	TemplateID int            `json:"templateId"`
	Params     map[string]any `json:"params,omitempty"`
}

// Send delivers one templated message. Without an endpoint it only logs, which
// keeps development setups free of a mail provider.
func (c *Client) Send(ctx context.Context, tmpl Template, to string, params map[string]any) error {
	id, ok := c.templates[tmpl]
	if !ok {
		return fmt.Errorf("mailer: unknown template %q", tmpl)
	}
	if c.endpoint == "" {
		c.lg.Infow("mail not sent, no endpoint configured", "template", tmpl, "to", to)
		return nil
	}
	body, err := json.Marshal(sendRequest{
		Sender:     address{Email: c.sender},
		To:         []address{{Email: to}},
		TemplateID: id,
		Params:     params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mailer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mailer: %s returned %d: %s", tmpl, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
