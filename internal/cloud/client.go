package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"goveelink/internal/lights"
)

const DefaultBaseURL = "https://developer-api.govee.com"

const apiKeyHeader = "Govee-API-Key"

// Client talks to the Govee developer API. It keeps no state between calls.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ lights.Backend = (*Client)(nil)

func NewClient(apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	return NewClientWithURL(apiKey, DefaultBaseURL, &http.Client{Timeout: timeout}, logger)
}

// NewClientWithURL talks to baseURL instead of the public API. An empty
// baseURL means DefaultBaseURL.
func NewClientWithURL(apiKey, baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger.With("component", "cloud"),
	}
}

func (c *Client) ListDevices(ctx context.Context) lights.DeviceList {
	c.logger.Debug("getting device list")

	var resp struct {
		Data lights.DeviceList `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/devices", nil, nil, &resp); err != nil {
		c.logger.Error("getting device list", "error", err)
		return lights.DeviceList{Devices: []lights.DeviceSummary{}}
	}
	if resp.Data.Devices == nil {
		resp.Data.Devices = []lights.DeviceSummary{}
	}
	return resp.Data
}

// GetDevice returns the device's properties flattened from the vendor's
// list of single-key objects into one map.
func (c *Client) GetDevice(ctx context.Context, deviceID, model string) lights.Properties {
	c.logger.Debug("getting device", "device", deviceID)

	query := url.Values{}
	query.Set("device", deviceID)
	query.Set("model", model)

	var resp struct {
		Data struct {
			Device     string           `json:"device"`
			Model      string           `json:"model"`
			Properties []map[string]any `json:"properties"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/devices/state", query, nil, &resp); err != nil {
		c.logger.Error("getting device", "device", deviceID, "error", err)
		return lights.Properties{}
	}

	props := lights.Properties{}
	for _, attr := range resp.Data.Properties {
		for k, v := range attr {
			props[k] = v
		}
	}
	return props
}

func (c *Client) SendCommand(ctx context.Context, deviceID, model string, cmd lights.Command) {
	body := controlRequest{
		Device: deviceID,
		Model:  model,
		Cmd: controlCmd{
			Name:  cmd.Name(),
			Value: cmd.Value(),
		},
	}
	if err := c.do(ctx, http.MethodPut, "/v1/devices/control", nil, body, nil); err != nil {
		c.logger.Error("sending command", "device", deviceID, "cmd", cmd.Name(), "error", err)
		return
	}
	c.logger.Debug("sent command", "device", deviceID, "cmd", cmd.Name())
}

// EnsurePoller is a no-op; the cloud API is request/response only.
func (c *Client) EnsurePoller(context.Context) *lights.Poller {
	return nil
}

// NormalizeBrightness converts the vendor's 0-254 scale to percent.
func (c *Client) NormalizeBrightness(raw int) int {
	return NormalizeBrightness(raw)
}

func NormalizeBrightness(raw int) int {
	return int(math.Round(float64(raw) / 254 * 100))
}

type controlRequest struct {
	Device string     `json:"device"`
	Model  string     `json:"model"`
	Cmd    controlCmd `json:"cmd"`
}

type controlCmd struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(apiKeyHeader, c.apiKey)
	return h
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.headers()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("govee API error %d", resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
