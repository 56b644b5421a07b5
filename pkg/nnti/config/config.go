// Package config loads the recognized configuration keys (spec.md §6,
// SPEC_FULL.md §6 expansion) from an INI file or from in-memory
// defaults, the way faodel's Configuration object is consumed by
// original_source/src/nnti/transports/base/base_transport.hpp.
package config

import (
	"time"

	"gopkg.in/ini.v1"
)

// Config holds every recognized key with its default applied.
type Config struct {
	TransportName string

	FreelistSize int

	LogFilename string
	LogSeverity string

	VerbsDevice string

	MPIRank int
	MPISize int

	RendezvousRetries int
	RendezvousBackoff time.Duration

	ControlListen string
	StatsEnabled  bool
}

// Default returns a Config with every spec.md §6 / SPEC_FULL.md §6
// default applied.
func Default() *Config {
	return &Config{
		TransportName:     "mpi",
		FreelistSize:      128,
		LogFilename:       "stderr",
		LogSeverity:       "warn",
		VerbsDevice:       "",
		MPIRank:           0,
		MPISize:           1,
		RendezvousRetries: 5,
		RendezvousBackoff: time.Second,
		ControlListen:     "127.0.0.1:0",
		StatsEnabled:      true,
	}
}

// Load reads an INI-style configuration file on top of Default(),
// overriding only the keys present in the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	sec := file.Section("")

	if k, err := sec.GetKey("transport.name"); err == nil {
		cfg.TransportName = k.String()
	}
	if k, err := sec.GetKey("freelist.size"); err == nil {
		if v, err := k.Int(); err == nil {
			cfg.FreelistSize = v
		}
	}
	if k, err := sec.GetKey("log.filename"); err == nil {
		cfg.LogFilename = k.String()
	}
	if k, err := sec.GetKey("log.severity"); err == nil {
		cfg.LogSeverity = k.String()
	}
	if k, err := sec.GetKey("verbs.device"); err == nil {
		cfg.VerbsDevice = k.String()
	}
	if k, err := sec.GetKey("mpi.rank"); err == nil {
		if v, err := k.Int(); err == nil {
			cfg.MPIRank = v
		}
	}
	if k, err := sec.GetKey("mpi.size"); err == nil {
		if v, err := k.Int(); err == nil {
			cfg.MPISize = v
		}
	}
	if k, err := sec.GetKey("rendezvous.retries"); err == nil {
		if v, err := k.Int(); err == nil {
			cfg.RendezvousRetries = v
		}
	}
	if k, err := sec.GetKey("rendezvous.backoff"); err == nil {
		if d, err := time.ParseDuration(k.String()); err == nil {
			cfg.RendezvousBackoff = d
		}
	}
	if k, err := sec.GetKey("control.listen"); err == nil {
		cfg.ControlListen = k.String()
	}
	if k, err := sec.GetKey("stats.enabled"); err == nil {
		if v, err := k.Bool(); err == nil {
			cfg.StatsEnabled = v
		}
	}

	return cfg, nil
}
