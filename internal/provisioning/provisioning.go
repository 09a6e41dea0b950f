// Package provisioning implements the one-shot device registration call
// against the cloud control plane, per spec §6.
package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/zemfyre/edge-agent/infrastructure/resilience"
	"github.com/zemfyre/edge-agent/internal/agentctx"
)

// Request is the body of POST /device/register.
type Request struct {
	UUID            string `json:"uuid"`
	DeviceName      string `json:"deviceName"`
	DeviceType      string `json:"deviceType"`
	ProvisioningKey string `json:"provisioningKey"`
}

// Response is returned on success.
type Response struct {
	APIKey              string `json:"apiKey"`
	MQTTBrokerURL       string `json:"mqttBrokerUrl"`
	MQTTUsername        string `json:"mqttUsername"`
	MQTTPassword        string `json:"mqttPassword"`
	InitialTargetVersion *int  `json:"initialTargetVersion,omitempty"`
}

// Client registers a device once at first boot (or re-registers after an
// authentication failure triggers re-provisioning, per spec §7).
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      resilience.RetryConfig
}

func New(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		retry:      resilience.DefaultRetryConfig(),
	}
}

// Register performs POST /device/register, retrying transient failures
// with exponential backoff. A non-transient rejection (malformed request,
// invalid provisioning key) is returned immediately.
func (c *Client) Register(ctx context.Context, req Request) (Response, error) {
	var resp Response

	err := resilience.Retry(ctx, c.retry, func() error {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode provisioning request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/device/register", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build provisioning request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err // network errors are retried by backoff.Retry
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return err
		}

		if httpResp.StatusCode >= 500 {
			return fmt.Errorf("provisioning service error: status %d", httpResp.StatusCode)
		}
		if httpResp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("provisioning rejected: status %d: %s", httpResp.StatusCode, string(data)))
		}

		return json.Unmarshal(data, &resp)
	})

	return resp, err
}

// AsCredentials converts a successful Response into the credentials
// structure threaded through agentctx.AgentContext.
func (r Response) AsCredentials(deviceUUID string) agentctx.Credentials {
	return agentctx.Credentials{
		DeviceUUID:    deviceUUID,
		APIKey:        r.APIKey,
		MQTTBrokerURL: r.MQTTBrokerURL,
		MQTTUsername:  r.MQTTUsername,
		MQTTPassword:  r.MQTTPassword,
	}
}
