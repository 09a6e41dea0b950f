// Package agentctx provides the explicit context object threaded through
// every constructor in the agent, replacing the ambient-singleton pattern
// (package-level MQTT client, package-level logger) the design notes call
// out as something to re-architect.
package agentctx

import (
	"net/http"
	"sync"

	"github.com/zemfyre/edge-agent/infrastructure/logging"
)

// AgentContext carries device identity, credentials, and shared
// collaborators (HTTP client, logger) that would otherwise be package
// globals. It is constructed once by the supervisor and passed by pointer
// to every subsystem constructor; no subsystem reaches for ambient state.
type AgentContext struct {
	mu sync.RWMutex

	deviceUUID    string
	apiKey        string
	mqttBrokerURL string
	mqttUsername  string
	mqttPassword  string

	httpClient *http.Client
	logger     *logging.Logger
}

// New constructs an AgentContext. Credentials are populated later via
// SetCredentials once provisioning succeeds (or immediately, for a device
// recovering persisted identity).
func New(httpClient *http.Client, logger *logging.Logger) *AgentContext {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logging.NewFromEnv("agent")
	}
	return &AgentContext{httpClient: httpClient, logger: logger}
}

// DeviceUUID returns the provisioned device identifier, or "" before
// provisioning completes.
func (c *AgentContext) DeviceUUID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceUUID
}

// Provisioned reports whether the device has completed registration.
func (c *AgentContext) Provisioned() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceUUID != "" && c.apiKey != ""
}

// APIKey returns the bearer token used against the cloud HTTP API.
func (c *AgentContext) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// MQTTCredentials returns the broker URL, username, and password currently
// in effect (post-migration values if a shadow delta has changed them).
func (c *AgentContext) MQTTCredentials() (broker, username, password string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttBrokerURL, c.mqttUsername, c.mqttPassword
}

// Credentials bundles the identity fields persisted for a device, mirroring
// the Device entity's identity attributes.
type Credentials struct {
	DeviceUUID    string
	APIKey        string
	MQTTBrokerURL string
	MQTTUsername  string
	MQTTPassword  string
}

// SetCredentials installs identity/credentials, either from a fresh
// provisioning response or from the locally persisted device row.
func (c *AgentContext) SetCredentials(cred Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceUUID = cred.DeviceUUID
	c.apiKey = cred.APIKey
	c.mqttBrokerURL = cred.MQTTBrokerURL
	c.mqttUsername = cred.MQTTUsername
	c.mqttPassword = cred.MQTTPassword
}

// SetMQTTBroker updates only the MQTT connection fields, used by the shadow
// engine after a broker-migration delta succeeds.
func (c *AgentContext) SetMQTTBroker(broker, username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mqttBrokerURL = broker
	c.mqttUsername = username
	c.mqttPassword = password
}

// HTTPClient returns the shared HTTP client used for all outbound cloud
// calls (provisioning, poll, report, cloud log upload).
func (c *AgentContext) HTTPClient() *http.Client {
	return c.httpClient
}

// Logger returns the shared structured logger.
func (c *AgentContext) Logger() *logging.Logger {
	return c.logger
}
