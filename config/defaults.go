// =============================================================================
// Gateway Default Configuration
// =============================================================================
package config

import (
	"time"

	"github.com/newrey/llm-gateway/internal/registry"
)

// DefaultConfig returns the gateway's configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Gateway: registry.Document{
			APIProvider: map[string]registry.ProviderDoc{},
			ModelConfig: map[string]registry.ModelEntry{},
		},
	}
}

// DefaultServerConfig returns the default server configuration. Port 8100
// matches the gateway's documented default listen port.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8100,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    95 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		StaticDir:       "static",
		InteractionLog:  "interactions.log",
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llm-gateway",
		SampleRate:   0.1,
	}
}
