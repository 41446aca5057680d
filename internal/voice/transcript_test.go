package voice

import (
	"path/filepath"
	"testing"

	"github.com/clara-voice-lab/internal/channel"
	"github.com/clara-voice-lab/internal/lang"
	"github.com/clara-voice-lab/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeDelta(t *testing.T) {
	cases := []struct{ prev, next, want string }{
		{"", "Hello", "Hello"},
		{"Hello", "", "Hello"},
		{"Hello", "Hello there", "Hello there"},
		{"Hello", " there", "Hello there"},
		{"Hello ", "there", "Hello there"},
		{"Hello", "there", "Hello there"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MergeDelta(c.prev, c.next), "MergeDelta(%q, %q)", c.prev, c.next)
	}
}

func TestTranscriptFinalizeOrdersUserFirst(t *testing.T) {
	dir := t.TempDir()
	tr := NewTranscript(lang.NewDetector(), store.New(dir))

	tr.Append(channel.SpeakerAgent, "నమస్కారం")
	tr.Append(channel.SpeakerUser, "where is")
	u := tr.Append(channel.SpeakerUser, "the library")
	assert.Equal(t, "where is the library", u.Text)
	assert.False(t, u.Final)
	assert.Equal(t, "where is the library", tr.Pending(channel.SpeakerUser))

	done := tr.Finalize("en")
	require.Len(t, done, 2)
	assert.Equal(t, channel.SpeakerUser, done[0].Speaker)
	assert.Equal(t, "en", done[0].Lang)
	assert.Equal(t, channel.SpeakerAgent, done[1].Speaker)
	assert.Equal(t, "te", done[1].Lang)
	assert.True(t, done[1].Final)
	assert.Empty(t, tr.Pending(channel.SpeakerUser))

	files, err := filepath.Glob(filepath.Join(dir, "*_utterance_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	// Nothing open: nothing finalized, log unchanged.
	assert.Empty(t, tr.Finalize("en"))
	assert.Len(t, tr.Log(), 2)
}

func TestTranscriptSkipsBlankUtterances(t *testing.T) {
	tr := NewTranscript(lang.NewDetector(), nil)
	tr.Append(channel.SpeakerUser, "   ")
	assert.Empty(t, tr.Finalize(""))
	assert.Empty(t, tr.Log())
}
