package config

import (
	"errors"
	"strings"

	"funnelbot/internal/broadcast"
	"funnelbot/internal/observability"
	"funnelbot/internal/scheduler"
	"funnelbot/internal/storage"
	"funnelbot/internal/transport/telegram"
	logx "funnelbot/pkg/logx"
)

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := duration("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Storage.Driver, DSN: c.Storage.DSN, BusyTimeout: busy}, nil
}

func (c *Config) TelegramConfig() (telegram.Config, error) {
	timeout, err := duration("telegram.timeout", c.Telegram.Timeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		APIURL:    strings.TrimSpace(c.Telegram.APIURL),
		Timeout:   timeout,
		ParseMode: c.Telegram.ParseMode,
		Rate:      c.Telegram.RatePerSec,
		Burst:     c.Telegram.Burst,
	}, nil
}

func (c *Config) DeliveryConfig() (broadcast.Config, error) {
	d := c.Delivery
	chunkPause, err := duration("delivery.chunk_pause", d.ChunkPause)
	if err != nil {
		return broadcast.Config{}, err
	}
	sendPause, err := duration("delivery.send_pause", d.SendPause)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Concurrency: d.Concurrency,
		ChunkSize:   d.ChunkSize,
		ChunkPause:  chunkPause,
		SendPause:   sendPause,
		RetryMax:    d.RetryMax,
		Placeholder: d.Placeholder,
	}, nil
}

func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	timeout, err := duration("scheduler.timeout", c.Scheduler.Timeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:  c.Scheduler.Enabled,
		Spec:     c.Scheduler.Spec,
		Timezone: c.Scheduler.Timezone,
		Timeout:  timeout,
	}, nil
}

func (c *Config) TracingConfig() observability.Config {
	return observability.Config{
		Enabled:     c.Tracing.Enabled,
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		SampleRatio: c.Tracing.SampleRatio,
		ServiceName: c.Tracing.ServiceName,
	}
}

// Validate checks everything that would otherwise fail at apply time.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := c.StorageConfig()
	add(err)
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pg":
	default:
		add(errors.New("storage.driver: unknown driver " + c.Storage.Driver))
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		add(errors.New("storage.dsn is required"))
	}

	_, err = c.TelegramConfig()
	add(err)
	if c.Telegram.RatePerSec < 0 || c.Telegram.Burst < 0 {
		add(errors.New("telegram.rate_per_sec and telegram.burst must be >= 0"))
	}

	_, err = c.DeliveryConfig()
	add(err)
	d := c.Delivery
	if d.Concurrency < 0 || d.ChunkSize < 0 {
		add(errors.New("delivery.concurrency and delivery.chunk_size must be >= 0"))
	}

	sc, err := c.SchedulerConfig()
	add(err)
	if sc.Enabled && strings.TrimSpace(sc.Spec) != "" {
		_, err := scheduler.ParseSchedule(sc.Spec)
		add(err)
	}

	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		add(errors.New("tracing.sample_ratio must be within [0,1]"))
	}
	return errors.Join(errs...)
}
