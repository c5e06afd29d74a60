package main

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/peerforge/torrent"
)

// Reads engine settings from path over the defaults. An empty path leaves the defaults.
func loadEngineConfig(path string) (*torrent.EngineConfig, error) {
	cfg := torrent.NewDefaultEngineConfig()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if v.IsSet("DataDir") {
		cfg.DataDir = v.GetString("DataDir")
	}
	if v.IsSet("TickInterval") {
		cfg.TickInterval = v.GetDuration("TickInterval")
	}
	if v.IsSet("RequestTimeout") {
		cfg.RequestTimeout = v.GetDuration("RequestTimeout")
	}
	if v.IsSet("MaxRequestsPerPeer") {
		cfg.MaxRequestsPerPeer = v.GetInt("MaxRequestsPerPeer")
	}
	if v.IsSet("MaxConnections") {
		cfg.MaxConnections = v.GetInt("MaxConnections")
	}
	if v.IsSet("HashWorkers") {
		cfg.HashWorkers = v.GetInt("HashWorkers")
	}
	cfg.DisableEndGame = v.GetBool("DisableEndGame")
	cfg.InitialSeeding = v.GetBool("InitialSeeding")
	var err error
	if cfg.DownloadRateLimiter, err = parseRate(v.GetString("DownloadRate")); err != nil {
		return nil, fmt.Errorf("download rate: %w", err)
	}
	if cfg.UploadRateLimiter, err = parseRate(v.GetString("UploadRate")); err != nil {
		return nil, fmt.Errorf("upload rate: %w", err)
	}
	return cfg, nil
}

// A limiter of s bytes per second, such as "512KB". Empty or "0" is unlimited.
func parseRate(s string) (*rate.Limiter, error) {
	if s == "" || s == "0" {
		return rate.NewLimiter(rate.Inf, 0), nil
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return nil, err
	}
	return rateLimiter(v), nil
}

func rateLimiter(v datasize.ByteSize) *rate.Limiter {
	if v == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	// A second's worth of burst.
	return rate.NewLimiter(rate.Limit(v.Bytes()), int(min(v.Bytes(), 1<<30)))
}
