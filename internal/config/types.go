package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration (JSON or YAML).
// Durations are Go duration strings ("30m", "24h"); times of day are "HH:MM".
type Config struct {
	Log      LogConfig      `json:"log,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Storage  StorageConfig  `json:"storage,omitempty"`
	Schedule ScheduleConfig `json:"schedule,omitempty"`
	Posting  PostingConfig  `json:"posting,omitempty"`
}

type LogConfig struct {
	Level   string  `json:"level,omitempty"`
	Console *bool   `json:"console,omitempty"`
	File    LogFile `json:"file,omitempty"`
}

type LogFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type TelegramConfig struct {
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ScheduleConfig struct {
	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`
	Jitter      string `json:"jitter,omitempty"`
	PostsPerDay int    `json:"posts_per_day,omitempty"`
}

type PostingConfig struct {
	LockTTL           string `json:"lock_ttl,omitempty"`
	MaxRetries        int    `json:"max_retries,omitempty"`
	Tick              string `json:"tick,omitempty"`
	SweepEvery        string `json:"sweep_every,omitempty"`
	ReaperEvery       string `json:"reaper_every,omitempty"`
	ProcessingTimeout string `json:"processing_timeout,omitempty"`
	RescheduleDelta   string `json:"reschedule_delta,omitempty"`
}

// Settings is the resolved, typed view of Config with defaults applied.
type Settings struct {
	WindowStart time.Duration // offset from midnight
	WindowEnd   time.Duration
	Jitter      time.Duration
	PostsPerDay int

	BusyTimeout time.Duration

	LockTTL           time.Duration
	MaxRetries        int
	Tick              time.Duration
	SweepEvery        time.Duration
	ReaperEvery       time.Duration
	ProcessingTimeout time.Duration
	RescheduleDelta   time.Duration
}

// Resolve validates the raw config and applies defaults.
func (c *Config) Resolve() (Settings, error) {
	var s Settings
	var err error

	if s.WindowStart, err = parseTimeOfDay("schedule.window_start", c.Schedule.WindowStart, 9*time.Hour); err != nil {
		return s, err
	}
	if s.WindowEnd, err = parseTimeOfDay("schedule.window_end", c.Schedule.WindowEnd, 22*time.Hour); err != nil {
		return s, err
	}
	if s.WindowEnd <= s.WindowStart {
		return s, errors.New("schedule: window_end must be after window_start")
	}
	if s.Jitter, err = durationOrDefault("schedule.jitter", c.Schedule.Jitter, 30*time.Minute); err != nil {
		return s, err
	}
	s.PostsPerDay = c.Schedule.PostsPerDay
	if s.PostsPerDay <= 0 {
		s.PostsPerDay = 3
	}

	if s.BusyTimeout, err = durationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second); err != nil {
		return s, err
	}

	if s.LockTTL, err = durationOrDefault("posting.lock_ttl", c.Posting.LockTTL, 30*24*time.Hour); err != nil {
		return s, err
	}
	s.MaxRetries = c.Posting.MaxRetries
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	if s.Tick, err = durationOrDefault("posting.tick", c.Posting.Tick, time.Minute); err != nil {
		return s, err
	}
	if s.SweepEvery, err = durationOrDefault("posting.sweep_every", c.Posting.SweepEvery, time.Hour); err != nil {
		return s, err
	}
	if s.ReaperEvery, err = durationOrDefault("posting.reaper_every", c.Posting.ReaperEvery, 5*time.Minute); err != nil {
		return s, err
	}
	if s.ProcessingTimeout, err = durationOrDefault("posting.processing_timeout", c.Posting.ProcessingTimeout, 30*time.Minute); err != nil {
		return s, err
	}
	if s.RescheduleDelta, err = durationOrDefault("posting.reschedule_delta", c.Posting.RescheduleDelta, 24*time.Hour); err != nil {
		return s, err
	}

	return s, nil
}

// ConsoleEnabled defaults to true when the field is omitted.
func (l LogConfig) ConsoleEnabled() bool {
	if l.Console == nil {
		return true
	}
	return *l.Console
}

// parseDuration parses a non-negative Go duration string. Blank means unset
// and parses to zero.
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func durationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// parseTimeOfDay parses "HH:MM" into an offset from midnight.
func parseTimeOfDay(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("%s: invalid time of day %q: %w", path, raw, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%s: invalid time of day %q", path, raw)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
