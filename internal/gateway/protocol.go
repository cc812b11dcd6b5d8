package gateway

import (
	"encoding/json"
	"fmt"
)

// Wire event type tags. The sets below are closed: the client never sends
// anything outside the outbound set, and anything outside the inbound set is
// a ProtocolError (logged and dropped, never fatal).
const (
	typeSessionUpdate  = "session.update"
	typeAppendAudio    = "input_audio_buffer.append"
	typeCommitAudio    = "input_audio_buffer.commit"
	typeClearAudio     = "input_audio_buffer.clear"
	typeResponseCreate = "response.create"
	typeResponseCancel = "response.cancel"

	typeSessionCreated  = "session.created"
	typeSessionUpdated  = "session.updated"
	typeResponseCreated = "response.created"
	typeOutputItemAdded = "response.output_item.added"
	typeOutputItemDone  = "response.output_item.done"
	typeAudioDelta      = "response.audio.delta"
	typeAudioDone       = "response.audio.done"
	typeResponseDone    = "response.done"
	typeItemCreated     = "conversation.item.created"
	typeSpeechStarted   = "input_audio_buffer.speech_started"
	typeSpeechStopped   = "input_audio_buffer.speech_stopped"
	typeCommitted       = "input_audio_buffer.committed"
	typeServerError     = "error"
)

// ProtocolError indicates a malformed or unrecognised inbound message. The
// receive loop logs it and drops the message; it never tears down the
// session.
type ProtocolError struct {
	Tag string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: protocol error (type %q): %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("gateway: unknown message type %q", e.Tag)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ── Outbound events ───────────────────────────────────────────────────────────

// sessionParams is the handshake payload of session.update. TurnDetection is
// serialised as an explicit null: the gateway's own turn detection must be
// disabled because the client's VAD is the single source of truth for
// segmentation.
type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type bareMessage struct {
	Type string `json:"type"`
}

// ── Inbound events ────────────────────────────────────────────────────────────

// serverEnvelope is the superset of fields across all inbound event types.
// parseServerEvent narrows it into one of the typed events below.
type serverEnvelope struct {
	Type     string             `json:"type"`
	EventID  string             `json:"event_id,omitempty"`
	Session  *sessionInfo       `json:"session,omitempty"`
	Item     *itemInfo          `json:"item,omitempty"`
	ItemID   string             `json:"item_id,omitempty"`
	Delta    string             `json:"delta,omitempty"`
	Response *responseInfo      `json:"response,omitempty"`
	Error    *serverErrorDetail `json:"error,omitempty"`
}

type sessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
}

type itemInfo struct {
	ID string `json:"id"`
}

type responseInfo struct {
	ID     string     `json:"id"`
	Status string     `json:"status,omitempty"`
	Usage  *usageInfo `json:"usage,omitempty"`
}

type usageInfo struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SessionCreated confirms the gateway has established a usable session. The
// orchestrator must not treat a raw open socket as a session until this
// arrives.
type SessionCreated struct {
	SessionID string
	Model     string
}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct {
	SessionID string
}

// ResponseCreated announces the start of a response-generation cycle.
type ResponseCreated struct {
	ResponseID string
}

// OutputItemAdded announces a new output item within a response.
type OutputItemAdded struct {
	ItemID string
}

// OutputItemDone announces an output item has finished.
type OutputItemDone struct {
	ItemID string
}

// AudioDelta carries one base64 PCM16 chunk of streamed response audio.
type AudioDelta struct {
	Base64PCM16 string
}

// AudioDone marks the end of a response's audio stream.
type AudioDone struct{}

// Usage is the token consumption reported with a completed response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ResponseDone marks the final completion of a response cycle.
type ResponseDone struct {
	ResponseID string
	Usage      Usage
}

// ConversationItemCreated announces a new conversation item.
type ConversationItemCreated struct {
	ItemID string
}

// SpeechStarted is the gateway's own speech-start detection. Informational
// only: it never drives behaviour, because the client VAD owns segmentation.
type SpeechStarted struct{}

// SpeechStopped is the gateway's own speech-stop detection. Informational
// only.
type SpeechStopped struct{}

// BufferCommitted acknowledges an input_audio_buffer.commit.
type BufferCommitted struct {
	ItemID string
}

// ServerError is an error event from the gateway. Non-fatal unless the
// transport itself also fails.
type ServerError struct {
	Code    string
	Message string
}

// Handler receives inbound events, one method per wire type, so handling
// stays exhaustive at compile time. Methods are invoked sequentially from
// the receive loop in arrival order and must not block.
type Handler interface {
	OnSessionCreated(SessionCreated)
	OnSessionUpdated(SessionUpdated)
	OnResponseCreated(ResponseCreated)
	OnOutputItemAdded(OutputItemAdded)
	OnOutputItemDone(OutputItemDone)
	OnAudioDelta(AudioDelta)
	OnAudioDone(AudioDone)
	OnResponseDone(ResponseDone)
	OnConversationItemCreated(ConversationItemCreated)
	OnSpeechStarted(SpeechStarted)
	OnSpeechStopped(SpeechStopped)
	OnBufferCommitted(BufferCommitted)
	OnServerError(ServerError)
}

// NopHandler implements Handler with no-ops, for embedding when only a
// subset of events matters.
type NopHandler struct{}

func (NopHandler) OnSessionCreated(SessionCreated)                   {}
func (NopHandler) OnSessionUpdated(SessionUpdated)                   {}
func (NopHandler) OnResponseCreated(ResponseCreated)                 {}
func (NopHandler) OnOutputItemAdded(OutputItemAdded)                 {}
func (NopHandler) OnOutputItemDone(OutputItemDone)                   {}
func (NopHandler) OnAudioDelta(AudioDelta)                           {}
func (NopHandler) OnAudioDone(AudioDone)                             {}
func (NopHandler) OnResponseDone(ResponseDone)                       {}
func (NopHandler) OnConversationItemCreated(ConversationItemCreated) {}
func (NopHandler) OnSpeechStarted(SpeechStarted)                     {}
func (NopHandler) OnSpeechStopped(SpeechStopped)                     {}
func (NopHandler) OnBufferCommitted(BufferCommitted)                 {}
func (NopHandler) OnServerError(ServerError)                         {}

// parseServerEvent decodes one inbound frame into its typed event. A frame
// outside the closed inbound set, or one missing required fields, yields a
// *ProtocolError.
func parseServerEvent(data []byte) (any, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Err: err}
	}

	switch env.Type {
	case typeSessionCreated:
		if env.Session == nil || env.Session.ID == "" {
			return nil, &ProtocolError{Tag: env.Type, Err: fmt.Errorf("missing session")}
		}
		return SessionCreated{SessionID: env.Session.ID, Model: env.Session.Model}, nil

	case typeSessionUpdated:
		evt := SessionUpdated{}
		if env.Session != nil {
			evt.SessionID = env.Session.ID
		}
		return evt, nil

	case typeResponseCreated:
		evt := ResponseCreated{}
		if env.Response != nil {
			evt.ResponseID = env.Response.ID
		}
		return evt, nil

	case typeOutputItemAdded:
		return OutputItemAdded{ItemID: itemID(&env)}, nil

	case typeOutputItemDone:
		return OutputItemDone{ItemID: itemID(&env)}, nil

	case typeAudioDelta:
		if env.Delta == "" {
			return nil, &ProtocolError{Tag: env.Type, Err: fmt.Errorf("empty delta")}
		}
		return AudioDelta{Base64PCM16: env.Delta}, nil

	case typeAudioDone:
		return AudioDone{}, nil

	case typeResponseDone:
		evt := ResponseDone{}
		if env.Response != nil {
			evt.ResponseID = env.Response.ID
			if env.Response.Usage != nil {
				evt.Usage = Usage{
					InputTokens:  env.Response.Usage.InputTokens,
					OutputTokens: env.Response.Usage.OutputTokens,
				}
			}
		}
		return evt, nil

	case typeItemCreated:
		return ConversationItemCreated{ItemID: itemID(&env)}, nil

	case typeSpeechStarted:
		return SpeechStarted{}, nil

	case typeSpeechStopped:
		return SpeechStopped{}, nil

	case typeCommitted:
		return BufferCommitted{ItemID: env.ItemID}, nil

	case typeServerError:
		evt := ServerError{Message: "unknown error"}
		if env.Error != nil {
			evt.Code = env.Error.Code
			if env.Error.Message != "" {
				evt.Message = env.Error.Message
			}
		}
		return evt, nil
	}

	return nil, &ProtocolError{Tag: env.Type}
}

func itemID(env *serverEnvelope) string {
	if env.Item != nil {
		return env.Item.ID
	}
	return env.ItemID
}

// dispatch routes a typed event to its Handler method.
func dispatch(h Handler, evt any) {
	switch e := evt.(type) {
	case SessionCreated:
		h.OnSessionCreated(e)
	case SessionUpdated:
		h.OnSessionUpdated(e)
	case ResponseCreated:
		h.OnResponseCreated(e)
	case OutputItemAdded:
		h.OnOutputItemAdded(e)
	case OutputItemDone:
		h.OnOutputItemDone(e)
	case AudioDelta:
		h.OnAudioDelta(e)
	case AudioDone:
		h.OnAudioDone(e)
	case ResponseDone:
		h.OnResponseDone(e)
	case ConversationItemCreated:
		h.OnConversationItemCreated(e)
	case SpeechStarted:
		h.OnSpeechStarted(e)
	case SpeechStopped:
		h.OnSpeechStopped(e)
	case BufferCommitted:
		h.OnBufferCommitted(e)
	case ServerError:
		h.OnServerError(e)
	}
}
