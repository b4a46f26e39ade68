// Package config holds the engine settings. Defaults can be overridden with
// METATORRENT__* environment variables; main applies flags on top.
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	Workers  int
	Port     int
	Output   string
	MaxPeers int
	// DialRate limits new outgoing peer connections per second.
	DialRate rate.Limit
	// StatsInterval is how often the transfer summary is logged.
	StatsInterval time.Duration
	// Tick is the orchestrator's scheduling period.
	Tick  time.Duration
	Debug bool
}

func Default() Config {
	return Config{
		Workers:       runtime.NumCPU(),
		Port:          6881,
		Output:        "metadata.torrent",
		MaxPeers:      100,
		DialRate:      20,
		StatsInterval: 10 * time.Second,
		Tick:          50 * time.Millisecond,
	}
}

// FromEnv returns Default with any valid METATORRENT__* values applied.
func FromEnv() Config {
	cfg := Default()
	if n, ok := positive("METATORRENT__WORKERS"); ok {
		cfg.Workers = n
	}
	if n, ok := positive("METATORRENT__PORT"); ok {
		cfg.Port = n
	}
	if s := os.Getenv("METATORRENT__OUTPUT"); s != "" {
		cfg.Output = s
	}
	if n, ok := positive("METATORRENT__MAX_PEERS"); ok {
		cfg.MaxPeers = n
	}
	if n, ok := positive("METATORRENT__DIAL_RATE"); ok {
		cfg.DialRate = rate.Limit(n)
	}
	cfg.Debug = os.Getenv("DEBUG") != ""
	return cfg
}

func positive(key string) (int, bool) {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
