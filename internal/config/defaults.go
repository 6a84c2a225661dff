package config

import (
	"github.com/knadh/koanf/providers/confmap"
)

// DefaultConfig returns the built-in configuration as a koanf map.
func DefaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"port":      8080,
		"log_level": "info",
		"env":       "development",
		"storage": map[string]interface{}{
			"backend":     BackendFile,
			"path":        "data/aquaguide-reminders.json",
			"sqlite_path": "data/aquaguide.db",
			"key":         "aquaguide-reminders",
		},
		"db": map[string]interface{}{
			"host":    "localhost",
			"port":    5432,
			"user":    "aquaguide",
			"name":    "aquaguide",
			"sslmode": "disable",
		},
		"redis": map[string]interface{}{
			"enabled":    false,
			"host":       "localhost",
			"port":       6379,
			"db":         0,
			"key_prefix": "aquaguide",
		},
		"scheduler": map[string]interface{}{
			"poll_interval":    "60s",
			"delivery_timeout": "10s",
			"timezone":         "Local",
			"fired_guard":      true,
		},
		"notifications": map[string]interface{}{
			"icon":        "/icons/icon-192x192.png",
			"preapproved": false,
			"log":         true,
			"desktop":     false,
			"websocket":   true,
			"webhook": map[string]interface{}{
				"timeout": "30s",
			},
		},
		"aws": map[string]interface{}{
			"region": "us-east-1",
		},
		"rate_limit": map[string]interface{}{
			"requests": 120,
			"window":   "1m",
		},
	}
}

// NewDefaultProvider wraps DefaultConfig for koanf.
func NewDefaultProvider() *confmap.Confmap {
	return confmap.Provider(DefaultConfig(), ".")
}
