package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Monitor  MonitorConfig  `json:"monitor"`
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Report   ReportConfig   `json:"report,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// MonitorConfig declares the default monitored scope. Subscribers may
// narrow it per connection via query parameters.
type MonitorConfig struct {
	GroupIDs []int64 `json:"group_ids"`
	// UserIDs accepts numeric ids or usernames with optional @ prefix.
	UserIDs   []string `json:"user_ids"`
	Autostart bool     `json:"autostart"`
}

type GatewayConfig struct {
	Addr string `json:"addr"`
	// ControlRatePerSec caps control frames per WebSocket connection.
	ControlRatePerSec float64 `json:"control_rate_per_sec,omitempty"`
	// ShutdownTimeout is a Go duration string.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional audit persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./groupwatch_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ReportConfig controls the periodic status summary job.
type ReportConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a standard 5-field cron expression.
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}
