package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validSnapshot() *Snapshot {
	return &Snapshot{
		SourceType:         SourceYouTube,
		SourceID:           "dQw4w9WgXcQ",
		IsPlaying:          true,
		PlaybackRate:       1.0,
		AnchorServerTimeMs: 1_700_000_000_000,
		AnchorMediaTimeMs:  30_000,
		SequenceNumber:     1,
	}
}

func TestMediaTimeAt(t *testing.T) {
	s := validSnapshot()

	// Playing at 1x: position advances with wall time.
	assert.Equal(t, int64(30_000), s.MediaTimeAt(s.AnchorServerTimeMs))
	assert.Equal(t, int64(40_000), s.MediaTimeAt(s.AnchorServerTimeMs+10_000))

	// At 2x the same wall interval covers twice the media.
	s.PlaybackRate = 2.0
	assert.Equal(t, int64(50_000), s.MediaTimeAt(s.AnchorServerTimeMs+10_000))

	// Paused: pinned to the anchor no matter how much time passes.
	s.IsPlaying = false
	assert.Equal(t, int64(30_000), s.MediaTimeAt(s.AnchorServerTimeMs+3_600_000))

	// A caller's clock behind the anchor never yields a negative position.
	s.IsPlaying = true
	s.PlaybackRate = 1.0
	s.AnchorMediaTimeMs = 1_000
	assert.Equal(t, int64(0), s.MediaTimeAt(s.AnchorServerTimeMs-5_000))
}

func TestSnapshotValidate(t *testing.T) {
	assert.NoError(t, validSnapshot().Validate())

	cases := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"bad source type", func(s *Snapshot) { s.SourceType = "vhs" }},
		{"empty source id", func(s *Snapshot) { s.SourceID = "" }},
		{"zero rate", func(s *Snapshot) { s.PlaybackRate = 0 }},
		{"negative rate", func(s *Snapshot) { s.PlaybackRate = -1 }},
		{"nan rate", func(s *Snapshot) { s.PlaybackRate = math.NaN() }},
		{"inf rate", func(s *Snapshot) { s.PlaybackRate = math.Inf(1) }},
		{"negative anchor server time", func(s *Snapshot) { s.AnchorServerTimeMs = -1 }},
		{"negative anchor media time", func(s *Snapshot) { s.AnchorMediaTimeMs = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSnapshot()
			tc.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestSourceTypeValid(t *testing.T) {
	assert.True(t, SourceUpload.Valid())
	assert.True(t, SourceYouTube.Valid())
	assert.True(t, SourceExternal.Valid())
	assert.False(t, SourceType("vhs").Valid())
	assert.False(t, SourceType("").Valid())
}
