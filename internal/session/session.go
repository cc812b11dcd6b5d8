package session

import (
	"fmt"
	"time"

	"github.com/lumewell/voicelink/internal/eventbus"
	"github.com/lumewell/voicelink/internal/quota"
)

// Status is the lifecycle state of a Session.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Session is one confirmed conversation with the gateway. It exists only
// between the gateway's session confirmation and disconnect; at most one
// exists at a time, owned by the [Engine].
type Session struct {
	// ID is the locally assigned session identifier.
	ID string

	// GatewayID is the gateway's own session identifier from the
	// confirmation message.
	GatewayID string

	// Model is the model the gateway confirmed for this session.
	Model string

	Status    Status
	StartTime time.Time

	// Duration and Usage are filled in at finalisation.
	Duration time.Duration
	Usage    quota.UsageRecord
}

// QuotaExceededError is returned by Connect when the pre-flight quota check
// denies a new session. It is raised before any network action.
type QuotaExceededError struct {
	Reason string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("session: quota exceeded: %s", e.Reason)
}

// Events are the engine's typed publication topics. Handlers run
// synchronously on the publishing goroutine and must not block.
type Events struct {
	// Connected fires when the gateway confirms a session.
	Connected eventbus.Topic[Session]

	// Disconnected fires after teardown completes, carrying the finalised
	// session.
	Disconnected eventbus.Topic[Session]

	// ResponseStarted fires when the gateway begins generating a response.
	ResponseStarted eventbus.Topic[string]

	// ResponseDone fires when a response cycle completes, carrying the
	// usage accumulated so far this session.
	ResponseDone eventbus.Topic[quota.UsageRecord]

	// PlaybackFinished fires when the playback queue drains.
	PlaybackFinished eventbus.Topic[struct{}]

	// Errors carries mid-session failures for the caller to present. The
	// engine stays in a state from which Disconnect remains safe.
	Errors eventbus.Topic[error]
}
