package gateway

import (
	"errors"
	"testing"
)

func TestParseServerEvent_SessionCreated(t *testing.T) {
	t.Parallel()

	evt, err := parseServerEvent([]byte(`{"type":"session.created","session":{"id":"sess_1","model":"rt-1"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sc, ok := evt.(SessionCreated)
	if !ok {
		t.Fatalf("got %T, want SessionCreated", evt)
	}
	if sc.SessionID != "sess_1" || sc.Model != "rt-1" {
		t.Errorf("got %+v", sc)
	}
}

func TestParseServerEvent_SessionCreatedWithoutSessionIsProtocolError(t *testing.T) {
	t.Parallel()

	_, err := parseServerEvent([]byte(`{"type":"session.created"}`))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProtocolError, got %v", err)
	}
}

func TestParseServerEvent_AudioDelta(t *testing.T) {
	t.Parallel()

	evt, err := parseServerEvent([]byte(`{"type":"response.audio.delta","delta":"AAAA"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ad, ok := evt.(AudioDelta)
	if !ok || ad.Base64PCM16 != "AAAA" {
		t.Fatalf("got %T %+v", evt, evt)
	}
}

func TestParseServerEvent_EmptyDeltaIsProtocolError(t *testing.T) {
	t.Parallel()

	_, err := parseServerEvent([]byte(`{"type":"response.audio.delta"}`))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProtocolError, got %v", err)
	}
}

func TestParseServerEvent_ResponseDoneCarriesUsage(t *testing.T) {
	t.Parallel()

	evt, err := parseServerEvent([]byte(
		`{"type":"response.done","response":{"id":"resp_1","usage":{"input_tokens":120,"output_tokens":340}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rd := evt.(ResponseDone)
	if rd.ResponseID != "resp_1" || rd.Usage.InputTokens != 120 || rd.Usage.OutputTokens != 340 {
		t.Errorf("got %+v", rd)
	}
}

func TestParseServerEvent_ServerErrorDefaultsMessage(t *testing.T) {
	t.Parallel()

	evt, err := parseServerEvent([]byte(`{"type":"error"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	se := evt.(ServerError)
	if se.Message == "" {
		t.Error("message should default to something descriptive")
	}

	evt, _ = parseServerEvent([]byte(`{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`))
	se = evt.(ServerError)
	if se.Code != "rate_limited" || se.Message != "slow down" {
		t.Errorf("got %+v", se)
	}
}

func TestParseServerEvent_FullInboundSet(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want any
	}{
		{`{"type":"session.updated","session":{"id":"s"}}`, SessionUpdated{SessionID: "s"}},
		{`{"type":"response.created","response":{"id":"r"}}`, ResponseCreated{ResponseID: "r"}},
		{`{"type":"response.output_item.added","item":{"id":"i"}}`, OutputItemAdded{ItemID: "i"}},
		{`{"type":"response.output_item.done","item":{"id":"i"}}`, OutputItemDone{ItemID: "i"}},
		{`{"type":"response.audio.done"}`, AudioDone{}},
		{`{"type":"conversation.item.created","item":{"id":"i"}}`, ConversationItemCreated{ItemID: "i"}},
		{`{"type":"input_audio_buffer.speech_started"}`, SpeechStarted{}},
		{`{"type":"input_audio_buffer.speech_stopped"}`, SpeechStopped{}},
		{`{"type":"input_audio_buffer.committed","item_id":"i"}`, BufferCommitted{ItemID: "i"}},
	}
	for _, tc := range cases {
		evt, err := parseServerEvent([]byte(tc.raw))
		if err != nil {
			t.Errorf("%s: %v", tc.raw, err)
			continue
		}
		if evt != tc.want {
			t.Errorf("%s: got %#v, want %#v", tc.raw, evt, tc.want)
		}
	}
}

func TestParseServerEvent_UnknownTagIsProtocolError(t *testing.T) {
	t.Parallel()

	_, err := parseServerEvent([]byte(`{"type":"response.text.delta","delta":"hi"}`))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProtocolError, got %v", err)
	}
	if perr.Tag != "response.text.delta" {
		t.Errorf("Tag = %q", perr.Tag)
	}
}

func TestParseServerEvent_MalformedJSONIsProtocolError(t *testing.T) {
	t.Parallel()

	_, err := parseServerEvent([]byte(`{"type":`))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProtocolError, got %v", err)
	}
}

// recordingHandler captures dispatched events in order.
type recordingHandler struct {
	NopHandler
	events []any
}

func (r *recordingHandler) OnSessionCreated(e SessionCreated) { r.events = append(r.events, e) }
func (r *recordingHandler) OnAudioDelta(e AudioDelta)         { r.events = append(r.events, e) }
func (r *recordingHandler) OnResponseDone(e ResponseDone)     { r.events = append(r.events, e) }

func TestDispatch_RoutesToTypedMethods(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	dispatch(h, SessionCreated{SessionID: "s"})
	dispatch(h, AudioDelta{Base64PCM16: "x"})
	dispatch(h, ResponseDone{ResponseID: "r"})
	dispatch(h, SpeechStarted{}) // NopHandler path

	if len(h.events) != 3 {
		t.Fatalf("recorded %d events, want 3", len(h.events))
	}
	if _, ok := h.events[0].(SessionCreated); !ok {
		t.Errorf("first event = %T", h.events[0])
	}
}
