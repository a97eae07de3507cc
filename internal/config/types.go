package config

import (
	"encoding/json"
	"hash/fnv"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "1s", "2m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Media     MediaConfig     `json:"media"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	HTTP      HTTPConfig      `json:"http"`
	Tracing   TracingConfig   `json:"tracing"`
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

// StorageConfig selects the message store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./data/funnel.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@db/funnel?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type TelegramConfig struct {
	APIURL    string `json:"api_url,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"` // default HTML
	// RatePerSec caps sends per agent session (default 25).
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type MediaConfig struct {
	Root string `json:"root"`
}

// SchedulerConfig controls the periodic tick.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec"` // cron, "1m", or "00:05"
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// DeliveryConfig tunes broadcast pacing.
//
// Defaults (when omitted/zero):
//   - concurrency: 10
//   - chunk_size: 5
//   - chunk_pause: "1s"
//   - send_pause: "200ms"
//   - retry_max: 1
//   - placeholder: "{name}"
type DeliveryConfig struct {
	Concurrency int    `json:"concurrency,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	ChunkPause  string `json:"chunk_pause,omitempty"`
	SendPause   string `json:"send_pause,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

// HTTPConfig controls the admin trigger API.
//
// Security note: bind to localhost or set a token.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8088"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"` // mount /debug/pprof behind the same token
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"` // OTLP gRPC, default localhost:4317
	Insecure    bool    `json:"insecure,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
