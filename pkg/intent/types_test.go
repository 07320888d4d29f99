package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapguard/guardrail/pkg/transport"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusDropped, true},
		{StatusQueued, StatusQueued, true},
		{StatusQueued, StatusApproved, true},
		{StatusApproved, StatusSent, true},
		{StatusApproved, StatusBlocked, false},
		{StatusBlocked, StatusApproved, false},
		{StatusSent, StatusApproved, false},
		{StatusDropped, StatusPending, false},
		{StatusQueued, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMemoryStore_RejectsBackwardTransition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	m := &MessageIntent{ID: "i1", Status: StatusSent, Version: 1}
	require.NoError(t, s.Create(ctx, m))

	next := m.Clone()
	next.Status = StatusApproved
	next.Version = 2
	assert.ErrorIs(t, s.Update(ctx, next, StatusSent, 1), ErrIllegalTransition)
	assert.ErrorIs(t, s.Update(ctx, next, StatusPending, 1), ErrConflict)
}

func TestPayloadHash_IsCanonical(t *testing.T) {
	a, err := PayloadHash([]byte(`{"text":"oi","preview_url":false}`))
	require.NoError(t, err)
	b, err := PayloadHash([]byte(`{ "preview_url": false, "text": "oi" }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, len("sha256:")+64)

	_, err = PayloadHash([]byte(`{"text":`))
	assert.Error(t, err)
}

func TestPayloadValidator(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		typ     transport.MessageType
		payload string
		ok      bool
	}{
		{"text", transport.TypeText, `{"text":"hello"}`, true},
		{"text empty", transport.TypeText, `{"text":""}`, false},
		{"text extra field", transport.TypeText, `{"text":"x","foo":1}`, false},
		{"reaction", transport.TypeReaction, `{"message_id":"m1","emoji":"👍"}`, true},
		{"reaction missing emoji", transport.TypeReaction, `{"message_id":"m1"}`, false},
		{"media bad mime", transport.TypeMedia, `{"media_ref":"sha256:` + zeros(64) + `","mime_type":"text/html"}`, false},
		{"media", transport.TypeMedia, `{"media_ref":"sha256:` + zeros(64) + `","mime_type":"image/png","caption":"c"}`, true},
		{"text with flag", transport.TypeText, `{"text":"x","preview_url":true}`, true},
		{"text as number", transport.TypeText, `{"text":5}`, false},
		{"malformed", transport.TypeText, `{"text":`, false},
		{"array", transport.TypeText, `[1]`, false},
		{"empty", transport.TypeText, ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.typ, []byte(tt.payload))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	doc, err := v.Validate(transport.TypeAudio, []byte(`{"media_ref":"sha256:`+zeros(64)+`","ptt":true}`))
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+zeros(64), MediaRef(doc))
}
