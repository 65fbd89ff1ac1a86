package dispatch

import (
	"testing"
	"time"
)

func TestConfigNormalize(t *testing.T) {
	t.Parallel()
	var cfg Config
	cfg.normalize()
	if cfg.Tick != time.Minute {
		t.Fatalf("tick = %v, want 1m", cfg.Tick)
	}
	if cfg.SweepEvery != time.Hour {
		t.Fatalf("sweep_every = %v, want 1h", cfg.SweepEvery)
	}
	if cfg.ReaperEvery != 5*time.Minute {
		t.Fatalf("reaper_every = %v, want 5m", cfg.ReaperEvery)
	}
	if cfg.ProcessingTimeout != 30*time.Minute {
		t.Fatalf("processing_timeout = %v, want 30m", cfg.ProcessingTimeout)
	}

	cfg = Config{Tick: 10 * time.Second, SweepEvery: 2 * time.Hour}
	cfg.normalize()
	if cfg.Tick != 10*time.Second || cfg.SweepEvery != 2*time.Hour {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}
