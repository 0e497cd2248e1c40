package domain

import (
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoteCheckOrder(t *testing.T) {
	now := time.Now()
	deleted := now.Add(-time.Second)

	tests := []struct {
		name string
		note Note
		want error
	}{
		{"visible", Note{ExpiresAt: now.Add(time.Minute)}, nil},
		{"visible one-time", Note{ExpiresAt: now.Add(time.Minute), OneTime: true}, nil},
		{"consumed reusable note stays visible", Note{ExpiresAt: now.Add(time.Minute), Consumed: true}, nil},
		{"expired at boundary", Note{ExpiresAt: now}, ErrExpired},
		{"consumed", Note{ExpiresAt: now.Add(time.Minute), OneTime: true, Consumed: true}, ErrConsumed},
		{"expired beats consumed", Note{ExpiresAt: now.Add(-time.Minute), OneTime: true, Consumed: true}, ErrExpired},
		{"deleted beats everything", Note{ExpiresAt: now.Add(-time.Minute), OneTime: true, Consumed: true, DeletedAt: &deleted}, ErrDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.note.Check(now))
			assert.Equal(t, tt.want != nil, tt.note.Reclaimable(now))
		})
	}
}

func TestPayloadMergeKeepsAbsentFields(t *testing.T) {
	stored := NotePayload{Ciphertext: []byte("old"), IV: []byte("iv-1")}
	merged := stored.Merge(NotePayload{Ciphertext: []byte("new")})

	assert.Equal(t, []byte("new"), merged.Ciphertext)
	assert.Equal(t, []byte("iv-1"), merged.IV)
	assert.Nil(t, merged.Plaintext)

	cleared := NotePayload{Plaintext: Text("draft")}.Merge(NotePayload{Plaintext: Text("")})
	require.NotNil(t, cleared.Plaintext)
	assert.Equal(t, "", *cleared.Plaintext)

	kept := stored.Merge(NotePayload{Ciphertext: []byte{}, IV: []byte{}})
	assert.Equal(t, []byte("old"), kept.Ciphertext)
	assert.Equal(t, []byte("iv-1"), kept.IV)
}

func TestCloneIsIndependent(t *testing.T) {
	at := time.Now()
	n := &Note{DeletedAt: &at, Payload: NotePayload{Plaintext: Text("a"), IV: []byte{1}}}
	c := n.Clone()
	*c.Payload.Plaintext = "b"
	c.Payload.IV[0] = 9
	*c.DeletedAt = at.Add(time.Hour)

	assert.Equal(t, "a", *n.Payload.Plaintext)
	assert.Equal(t, byte(1), n.Payload.IV[0])
	assert.True(t, n.DeletedAt.Equal(at))
}

func TestCreateInputValidate(t *testing.T) {
	assert.Equal(t, ErrInvalidTTL, CreateInput{Text: "x"}.Validate())
	assert.Equal(t, ErrContentRequired, CreateInput{TTL: time.Minute}.Validate())
	assert.Equal(t, ErrCiphertextRequired, CreateInput{TTL: time.Minute, E2EE: true, Ciphertext: []byte("c")}.Validate())
	assert.NoError(t, CreateInput{TTL: time.Minute, E2EE: true, Ciphertext: []byte("c"), IV: []byte("i")}.Validate())

	p := CreateInput{TTL: time.Minute, E2EE: true, Text: "ignored", Ciphertext: []byte("c"), IV: []byte("i")}.Payload()
	assert.Nil(t, p.Plaintext)
	assert.Equal(t, []byte("c"), p.Ciphertext)
}

func TestErrorTaxonomy(t *testing.T) {
	wrapped := errors.Wrap(ErrConsumed, "get note")
	assert.True(t, IsLifecycle(wrapped))
	assert.Equal(t, "consumed", Code(wrapped))
	assert.Equal(t, http.StatusGone, Status(wrapped))
	assert.False(t, IsLifecycle(errors.New("connection refused")))
	assert.Equal(t, http.StatusInternalServerError, Status(errors.New("boom")))
	assert.Equal(t, "INTERNAL_ERROR", ToResp(errors.New("boom")).Error.Code)

	for _, e := range []*Err{ErrNotFound, ErrExpired, ErrConsumed, ErrDeleted} {
		assert.Equal(t, e, LifecycleErr(e.Code))
	}
	assert.Nil(t, LifecycleErr("ok"))
}
