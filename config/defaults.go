package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "folio.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost:5173",
		"http://localhost:3000",
	})

	// ComfyUI worker defaults
	v.SetDefault("comfyui.base_url", "http://localhost:8188")
	v.SetDefault("comfyui.poll_interval_ms", 500)
	v.SetDefault("comfyui.still_timeout_seconds", 300)
	v.SetDefault("comfyui.animation_timeout_seconds", 600)

	// Storage defaults
	v.SetDefault("storage.root", "./storage")

	// Scheduler defaults
	v.SetDefault("scheduler.idle_sleep_ms", 100)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.retry_delay_ms", 2000)
}
