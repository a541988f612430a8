package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Timers   TimersConfig   `json:"timers"`
	Display  DisplayConfig  `json:"display,omitempty"`

	// ScheduleFile points at an optional CSV with pre-planned meetings
	// (imported by /schedule, or automatically when watch is enabled).
	ScheduleFile *ScheduleFileConfig `json:"schedule_file,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec caps outbound messages per second (default 25).
	RatePerSec int `json:"rate_per_sec,omitempty"`
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

// StorageConfig controls the sqlite store.
type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TimersConfig controls the one-shot reminder timer service.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - rescan: "@every 1m" (cron spec or @every duration; "off" disables)
type TimersConfig struct {
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Rescan    string `json:"rescan,omitempty"`
}

// DisplayConfig controls how instants are rendered for users.
// Storage is always UTC; Timezone is an IANA zone for outgoing messages.
type DisplayConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

type ScheduleFileConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch,omitempty"`
}
