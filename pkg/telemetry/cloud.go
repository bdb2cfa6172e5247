package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// CloudConfig addresses the cloud REST endpoint.
type CloudConfig struct {
	BaseURL      string
	PathTemplate string // must contain {device_id}
	DeviceID     string
	AuthSecret   string // sent as the auth query parameter when set
}

// CloudSender posts batches as JSON to the cloud endpoint.
type CloudSender struct {
	client   *http.Client
	endpoint string
}

var _ Sender = (*CloudSender)(nil)

// NewCloudSender validates cfg and builds the endpoint URL. A nil client uses
// http.DefaultClient.
func NewCloudSender(cfg CloudConfig, client *http.Client) (*CloudSender, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("telemetry: device id is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("telemetry: base url %q must be http or https", cfg.BaseURL)
	}

	path := strings.ReplaceAll(cfg.PathTemplate, "{device_id}", url.PathEscape(cfg.DeviceID))
	u, err := url.Parse(base.String() + path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: invalid path template: %w", err)
	}
	if cfg.AuthSecret != "" {
		q := u.Query()
		q.Set("auth", cfg.AuthSecret)
		u.RawQuery = q.Encode()
	}

	return &CloudSender{client: client, endpoint: u.String()}, nil
}

func (c *CloudSender) Name() string { return "cloud" }

// Send posts the batch. 2xx is success; 408, 429 and 5xx are transient; other
// 4xx are permanent; transport errors are transient.
func (c *CloudSender) Send(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return &DeliveryError{Kind: ErrDeliveryPermanent, Err: fmt.Errorf("marshal batch: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Kind: ErrDeliveryPermanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", b.ID.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{Kind: ErrDeliveryTransient, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return classifyStatus(resp.StatusCode)
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return &DeliveryError{Kind: ErrDeliveryTransient, StatusCode: code}
	case code >= 400 && code < 500:
		return &DeliveryError{Kind: ErrDeliveryPermanent, StatusCode: code}
	default:
		return &DeliveryError{Kind: ErrDeliveryTransient, StatusCode: code}
	}
}
