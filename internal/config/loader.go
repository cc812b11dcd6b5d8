package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Gateway
	if cfg.Gateway.URL == "" {
		errs = append(errs, errors.New("gateway.url is required"))
	}
	if cfg.Gateway.APIKeyEnv == "" {
		slog.Warn("gateway.api_key_env is empty; the gateway connection will be unauthenticated")
	}
	if cfg.Gateway.HandshakeTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("gateway.handshake_timeout_ms %d must not be negative", cfg.Gateway.HandshakeTimeoutMS))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must not be negative", cfg.Audio.FrameSamples))
	}
	if cfg.Audio.CaptureStrategy != "" && !cfg.Audio.CaptureStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("audio.capture_strategy %q is invalid; valid values: auto, miniaudio, portaudio", cfg.Audio.CaptureStrategy))
	}

	// VAD — out-of-range values are clamped by the detector, warn rather than fail.
	if cfg.VAD.SilenceThresholdMS < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_threshold_ms %d must not be negative", cfg.VAD.SilenceThresholdMS))
	} else if cfg.VAD.SilenceThresholdMS != 0 && (cfg.VAD.SilenceThresholdMS < 200 || cfg.VAD.SilenceThresholdMS > 2000) {
		slog.Warn("vad.silence_threshold_ms is outside [200, 2000] and will be clamped",
			"value", cfg.VAD.SilenceThresholdMS,
		)
	}
	if cfg.VAD.VolumeThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad.volume_threshold %.3f must not be negative", cfg.VAD.VolumeThreshold))
	} else if cfg.VAD.VolumeThreshold != 0 && (cfg.VAD.VolumeThreshold < 0.001 || cfg.VAD.VolumeThreshold > 0.5) {
		slog.Warn("vad.volume_threshold is outside [0.001, 0.5] and will be clamped",
			"value", cfg.VAD.VolumeThreshold,
		)
	}

	// Quota
	if cfg.Quota.Backend != "" && !cfg.Quota.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("quota.backend %q is invalid; valid values: file, postgres", cfg.Quota.Backend))
	}
	if cfg.Quota.Backend == QuotaBackendPostgres && cfg.Quota.PostgresDSN == "" {
		errs = append(errs, errors.New("quota.postgres_dsn is required when quota.backend is postgres"))
	}
	if cfg.Quota.Backend != QuotaBackendPostgres && cfg.Quota.PostgresDSN != "" {
		slog.Warn("quota.postgres_dsn is set but quota.backend is not postgres; the DSN will be ignored")
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	return errors.Join(errs...)
}
