package signaling

import (
	"errors"
	"testing"
	"time"

	"pikacall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBody() SessionBody {
	return SessionBody{
		MoqURL:        "https://relay.example.com/moq",
		BroadcastBase: "pika/calls/c1",
		Tracks:        []domain.TrackDescriptor{domain.DefaultAudioTrack()},
	}
}

func kindOf(t *testing.T, err error) domain.SignalingErrorKind {
	t.Helper()
	var se *domain.SignalingError
	require.True(t, errors.As(err, &se), "expected SignalingError, got %v", err)
	return se.Kind
}

func TestInviteRoundTrip(t *testing.T) {
	sentAt := time.UnixMilli(1_700_000_000_123)
	data, err := EncodeInvite("c1", sentAt, testBody())
	require.NoError(t, err)

	sig, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, TypeInvite, sig.Type)
	assert.Equal(t, domain.CallID("c1"), sig.CallID)
	assert.Equal(t, sentAt, sig.SentAt)
	assert.Equal(t, testBody(), sig.Session)
	assert.Equal(t, ProtocolVersion, sig.Envelope.Version)

	desc := sig.Session.Descriptor()
	track, ok := desc.AudioTrack()
	require.True(t, ok)
	assert.Equal(t, 960, track.SamplesPerFrame())
}

func TestParseWireShape(t *testing.T) {
	raw := `{"v":1,"ns":"pika.call","type":"call.reject","call_id":"c2","ts_ms":5,"body":{"reason":"busy"}}`
	sig, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, TypeReject, sig.Type)
	assert.Equal(t, "busy", sig.Reason)

	data, err := EncodeEnd("c2", time.UnixMilli(5), "user_hangup")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"ns":"pika.call","type":"call.end","call_id":"c2","ts_ms":5,"body":{"reason":"user_hangup"}}`, string(data))
}

func TestParseIgnoredEnvelopes(t *testing.T) {
	cases := map[string]string{
		"foreign namespace": `{"v":1,"ns":"chat.text","type":"call.invite","call_id":"c1","body":{}}`,
		"missing namespace": `{"v":1,"type":"call.invite","call_id":"c1","body":{}}`,
		"newer version":     `{"v":2,"ns":"pika.call","type":"call.invite","call_id":"c1","body":{}}`,
		"unknown type":      `{"v":1,"ns":"pika.call","type":"call.hold","call_id":"c1","body":{}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
			assert.Equal(t, domain.SignalingIgnored, kindOf(t, err))
		})
	}
}

func TestParseMalformedEnvelopes(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"v":1,`,
		"missing version":   `{"ns":"pika.call","type":"call.end","call_id":"c1","body":{"reason":"x"}}`,
		"zero version":      `{"v":0,"ns":"pika.call","type":"call.end","call_id":"c1","body":{"reason":"x"}}`,
		"missing type":      `{"v":1,"ns":"pika.call","call_id":"c1","body":{"reason":"x"}}`,
		"missing call id":   `{"v":1,"ns":"pika.call","type":"call.end","body":{"reason":"x"}}`,
		"bad call id":       `{"v":1,"ns":"pika.call","type":"call.end","call_id":"a/b","body":{"reason":"x"}}`,
		"missing body":      `{"v":1,"ns":"pika.call","type":"call.end","call_id":"c1"}`,
		"empty reason":      `{"v":1,"ns":"pika.call","type":"call.end","call_id":"c1","body":{"reason":""}}`,
		"no tracks":         `{"v":1,"ns":"pika.call","type":"call.invite","call_id":"c1","body":{"moq_url":"https://r.example","broadcast_base":"pika/calls/c1","tracks":[]}}`,
		"bad base":          `{"v":1,"ns":"pika.call","type":"call.accept","call_id":"c1","body":{"moq_url":"https://r.example","broadcast_base":"/pika/calls/c1","tracks":[{"name":"audio0","codec":"pcm16","sample_rate":48000,"channels":1,"frame_ms":20}]}}`,
		"bad url":           `{"v":1,"ns":"pika.call","type":"call.invite","call_id":"c1","body":{"moq_url":"ftp://r.example","broadcast_base":"pika/calls/c1","tracks":[{"name":"audio0","codec":"pcm16","sample_rate":48000,"channels":1,"frame_ms":20}]}}`,
		"zero frame ms":     `{"v":1,"ns":"pika.call","type":"call.invite","call_id":"c1","body":{"moq_url":"https://r.example","broadcast_base":"pika/calls/c1","tracks":[{"name":"audio0","codec":"pcm16","sample_rate":48000,"channels":1,"frame_ms":0}]}}`,
		"wrong body schema": `{"v":1,"ns":"pika.call","type":"call.invite","call_id":"c1","body":{"tracks":"audio0"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
			assert.Equal(t, domain.SignalingMalformed, kindOf(t, err))
			assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)
		})
	}
}

func TestParseIgnoresSenderFields(t *testing.T) {
	raw := `{"v":1,"ns":"pika.call","type":"call.end","call_id":"c1","from":"someone-else","body":{"reason":"user_hangup"}}`
	sig, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "user_hangup", sig.Reason)
}
