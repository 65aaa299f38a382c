// Package config holds the core Folio configuration.
package config

// Config represents the core Folio configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	ComfyUI   ComfyUIConfig   `mapstructure:"comfyui"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the Folio HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ComfyUIConfig configures the external node-graph worker
type ComfyUIConfig struct {
	BaseURL string `mapstructure:"base_url"`

	// Poll/wait behaviour for submitted graphs
	PollIntervalMS          int `mapstructure:"poll_interval_ms"`          // default: 500
	StillTimeoutSeconds     int `mapstructure:"still_timeout_seconds"`     // default: 300
	AnimationTimeoutSeconds int `mapstructure:"animation_timeout_seconds"` // default: 600
}

// StorageConfig configures the on-disk artifact store
type StorageConfig struct {
	// Root directory holding queue.log, images/, masks/, animations/, temp_frames/
	Root string `mapstructure:"root"`
}

// SchedulerConfig configures the single-flight job scheduler
type SchedulerConfig struct {
	// IdleSleepMS is the sleep between dequeue attempts when the queue is empty (default: 100)
	IdleSleepMS int `mapstructure:"idle_sleep_ms"`

	// Retry policy for transient worker model-load errors
	MaxAttempts  int `mapstructure:"max_attempts"`   // default: 3
	RetryDelayMS int `mapstructure:"retry_delay_ms"` // default: 2000
}

// DefaultServerPort is the development port for the Folio API
const DefaultServerPort = 8787
