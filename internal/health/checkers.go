package health

import (
	"context"
	"fmt"

	"github.com/lumewell/voicelink/internal/quota"
	"github.com/lumewell/voicelink/pkg/audio/capture"
)

// QuotaStore returns a checker that probes the quota backend with a load of
// the given identity. A failing store means sessions could start without
// consuming quota, so readiness must fail.
func QuotaStore(store quota.Store, identity string) Checker {
	return Checker{
		Name: "quota_store",
		Check: func(ctx context.Context) error {
			if _, err := store.Load(ctx, identity); err != nil {
				return fmt.Errorf("load %q: %w", identity, err)
			}
			return nil
		},
	}
}

// CaptureStrategy returns a checker that validates the configured capture
// strategy. It does not open a device: grabbing the microphone from a
// readiness probe would interfere with a live session.
func CaptureStrategy(s capture.Strategy) Checker {
	return Checker{
		Name: "capture_strategy",
		Check: func(context.Context) error {
			if !s.IsValid() {
				return fmt.Errorf("unknown capture strategy %q", s)
			}
			return nil
		},
	}
}
