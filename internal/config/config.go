// Package config handles environment variable loading for directories, ports, intervals, etc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the orchestrator.
type Config struct {
	// RootDir is the remote store root holding job specs, states and logs.
	RootDir string

	// ScratchDir is the local working directory for process logs and
	// history files before they are mirrored to the store.
	ScratchDir string

	// UpdateInterval is the control loop's tick period.
	UpdateInterval time.Duration

	// QuotaFile is the path of the YAML quota document defining budgets and
	// project membership.
	QuotaFile string

	// MetricsPort serves /metrics; 0 disables the endpoint.
	MetricsPort int

	// OTELEndpoint is the OTLP gRPC collector address. Empty disables tracing.
	OTELEndpoint string

	// CleanerTTL is the grace window before finished jobs are reclaimed.
	CleanerTTL time.Duration

	// UploadWorkers sizes the log uploader pool.
	UploadWorkers int

	// UploadRPS caps upload starts per second.
	UploadRPS float64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	rootDir := os.Getenv("BASTION_ROOT_DIR")
	if rootDir == "" {
		return nil, fmt.Errorf("BASTION_ROOT_DIR is required")
	}

	quotaFile := os.Getenv("BASTION_QUOTA_FILE")
	if quotaFile == "" {
		return nil, fmt.Errorf("BASTION_QUOTA_FILE is required")
	}

	scratchDir := os.Getenv("BASTION_SCRATCH_DIR")
	if scratchDir == "" {
		scratchDir = "/var/tmp/bastion"
	}

	updateInterval := 30 * time.Second
	if s := os.Getenv("BASTION_UPDATE_INTERVAL"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid BASTION_UPDATE_INTERVAL: %w", err)
		}
		updateInterval = d
	}

	metricsPort := 9090
	if s := os.Getenv("BASTION_METRICS_PORT"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid BASTION_METRICS_PORT: %w", err)
		}
		metricsPort = p
	}

	cleanerTTL := time.Duration(0)
	if s := os.Getenv("BASTION_CLEANER_TTL"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid BASTION_CLEANER_TTL: %w", err)
		}
		cleanerTTL = d
	}

	uploadWorkers := 4
	if s := os.Getenv("BASTION_UPLOAD_WORKERS"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid BASTION_UPLOAD_WORKERS: %w", err)
		}
		uploadWorkers = n
	}

	uploadRPS := 10.0
	if s := os.Getenv("BASTION_UPLOAD_RPS"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BASTION_UPLOAD_RPS: %w", err)
		}
		uploadRPS = f
	}

	return &Config{
		RootDir:        rootDir,
		ScratchDir:     scratchDir,
		UpdateInterval: updateInterval,
		QuotaFile:      quotaFile,
		MetricsPort:    metricsPort,
		OTELEndpoint:   os.Getenv("BASTION_OTEL_ENDPOINT"),
		CleanerTTL:     cleanerTTL,
		UploadWorkers:  uploadWorkers,
		UploadRPS:      uploadRPS,
	}, nil
}
