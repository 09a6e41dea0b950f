package main

import (
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zemfyre/edge-agent/infrastructure/config"
	"github.com/zemfyre/edge-agent/internal/supervisor"
)

// AgentConfig is the full set of environment variables recognized by the
// agent, per spec.md §6. Every *_MS field is a bare millisecond count, not
// Go duration syntax, matching the environment-variable table.
type AgentConfig struct {
	StorePath          string `env:"STORE_PATH,default=/var/lib/edge-agent/agent.db"`
	CloudAPIEndpoint   string `env:"CLOUD_API_ENDPOINT,default=https://api.edge-agent.io"`
	ProvisioningAPIKey string `env:"PROVISIONING_API_KEY"`
	DeviceName         string `env:"DEVICE_NAME"`
	DeviceType         string `env:"DEVICE_TYPE,default=generic"`

	PollIntervalMS           int `env:"POLL_INTERVAL_MS,default=10000"`
	ReportIntervalMS         int `env:"REPORT_INTERVAL_MS,default=10000"`
	MetricsIntervalMS        int `env:"METRICS_INTERVAL_MS,default=300000"`
	ReconciliationIntervalMS int `env:"RECONCILIATION_INTERVAL_MS,default=30000"`

	MQTTBroker   string `env:"MQTT_BROKER"`
	MQTTUsername string `env:"MQTT_USERNAME"`
	MQTTPassword string `env:"MQTT_PASSWORD"`

	EnableShadow            bool `env:"ENABLE_SHADOW,default=true"`
	ShadowName              string `env:"SHADOW_NAME,default=device-state"`
	ShadowSyncOnDelta       bool `env:"SHADOW_SYNC_ON_DELTA,default=true"`
	ShadowPublishIntervalMS int    `env:"SHADOW_PUBLISH_INTERVAL,default=60000"`

	MaxLogs           int    `env:"MAX_LOGS,default=10000"`
	LogMaxAgeMS       int64  `env:"LOG_MAX_AGE,default=86400000"`
	EnableFileLogging bool   `env:"ENABLE_FILE_LOGGING,default=false"`
	LogDir            string `env:"LOG_DIR,default=/var/lib/edge-agent/logs"`
	MaxLogFileSize    int64  `env:"MAX_LOG_FILE_SIZE,default=10485760"`

	EnableCloudLogging bool `env:"ENABLE_CLOUD_LOGGING,default=false"`
	LogCompression     bool `env:"LOG_COMPRESSION,default=true"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	DeviceAPIPort int `env:"DEVICE_API_PORT,default=48484"`
}

// deviceDefaults is the optional YAML override file's shape: just the two
// first-boot fields a fleet operator may want to bake into an image rather
// than pass as env vars.
type deviceDefaults struct {
	DeviceName string `yaml:"deviceName"`
	DeviceType string `yaml:"deviceType"`
}

// loadAgentConfig loads an optional .env file, decodes every environment
// variable in the table above, then applies an optional YAML override file
// for deviceName/deviceType when those are still unset.
//
// secrets is consulted for the four credential fields so that a value
// persisted in the local store by a prior provisioning round survives a
// restart even if the environment no longer carries it (e.g. a fresh
// PROVISIONING_API_KEY injected only at first boot). Pass nil before the
// store is open; a second pass after opening it fills these in.
func loadAgentConfig(yamlPath string, secrets config.SecretStore) (AgentConfig, error) {
	_ = godotenv.Load()

	var cfg AgentConfig
	if err := envdecode.Decode(&cfg); err != nil {
		if !strings.Contains(err.Error(), "no target field") {
			return AgentConfig{}, err
		}
	}

	cfg.ProvisioningAPIKey = config.EnvOrSecret(secrets, "PROVISIONING_API_KEY", cfg.ProvisioningAPIKey)
	cfg.MQTTBroker = config.EnvOrSecret(secrets, "MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTUsername = config.EnvOrSecret(secrets, "MQTT_USERNAME", cfg.MQTTUsername)
	cfg.MQTTPassword = config.EnvOrSecret(secrets, "MQTT_PASSWORD", cfg.MQTTPassword)

	if yamlPath != "" {
		if err := applyYAMLDefaults(yamlPath, &cfg); err != nil {
			return AgentConfig{}, err
		}
	}

	return cfg, nil
}

func applyYAMLDefaults(path string, cfg *AgentConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var defaults deviceDefaults
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return err
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaults.DeviceName
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = defaults.DeviceType
	}
	return nil
}

// toSupervisorConfig converts the decoded environment into the typed Config
// the supervisor package consumes, turning every *_MS field into a
// time.Duration in one place.
func (c AgentConfig) toSupervisorConfig() supervisor.Config {
	return supervisor.Config{
		StorePath:          c.StorePath,
		CloudAPIEndpoint:   c.CloudAPIEndpoint,
		ProvisioningAPIKey: c.ProvisioningAPIKey,
		DeviceName:         c.DeviceName,
		DeviceType:         c.DeviceType,

		PollInterval:           time.Duration(c.PollIntervalMS) * time.Millisecond,
		ReportInterval:         time.Duration(c.ReportIntervalMS) * time.Millisecond,
		MetricsInterval:        time.Duration(c.MetricsIntervalMS) * time.Millisecond,
		ReconciliationInterval: time.Duration(c.ReconciliationIntervalMS) * time.Millisecond,

		MQTTBrokerOverride:   c.MQTTBroker,
		MQTTUsernameOverride: c.MQTTUsername,
		MQTTPasswordOverride: c.MQTTPassword,

		EnableShadow:          c.EnableShadow,
		ShadowName:            c.ShadowName,
		ShadowSyncOnDelta:     c.ShadowSyncOnDelta,
		ShadowPublishInterval: time.Duration(c.ShadowPublishIntervalMS) * time.Millisecond,

		MaxLogs:           c.MaxLogs,
		LogMaxAge:         time.Duration(c.LogMaxAgeMS) * time.Millisecond,
		EnableFileLogging: c.EnableFileLogging,
		LogDir:            c.LogDir,
		MaxLogFileSize:    c.MaxLogFileSize,

		EnableCloudLogging: c.EnableCloudLogging,
		LogCompression:     c.LogCompression,

		DeviceAPIPort: c.DeviceAPIPort,

		ShutdownTimeout: 10 * time.Second,
	}
}
