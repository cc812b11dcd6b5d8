package config_test

import (
	"testing"

	"github.com/lumewell/voicelink/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		VAD:    config.VADConfig{SilenceThresholdMS: 800, VolumeThreshold: 0.02},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.VADChanged {
		t.Error("expected VADChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.VADChanged {
		t.Error("expected VADChanged=false")
	}
}

func TestDiff_VADChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{VAD: config.VADConfig{SilenceThresholdMS: 800, VolumeThreshold: 0.02}}
	new := &config.Config{VAD: config.VADConfig{SilenceThresholdMS: 1200, VolumeThreshold: 0.02}}

	d := config.Diff(old, new)
	if !d.VADChanged {
		t.Error("expected VADChanged=true")
	}
	if d.NewVAD.SilenceThresholdMS != 1200 {
		t.Errorf("NewVAD.SilenceThresholdMS: got %d, want 1200", d.NewVAD.SilenceThresholdMS)
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
}

func TestDiff_NonReloadableFieldsIgnored(t *testing.T) {
	t.Parallel()
	old := &config.Config{Gateway: config.GatewayConfig{URL: "wss://a.example/realtime"}}
	new := &config.Config{Gateway: config.GatewayConfig{URL: "wss://b.example/realtime"}}

	d := config.Diff(old, new)
	if d.LogLevelChanged || d.VADChanged {
		t.Errorf("gateway changes are not hot-reloadable, got %+v", d)
	}
}
