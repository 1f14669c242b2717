package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSourceCapture(t *testing.T) {
	local, err := StaticSource{}.Capture(context.Background())
	require.NoError(t, err)
	require.NotNil(t, local)

	assert.NotEmpty(t, local.ID())
	require.Len(t, local.Tracks(), 2)

	kinds := map[webrtc.RTPCodecType]bool{}
	for _, track := range local.Tracks() {
		kinds[track.Kind()] = true
		assert.True(t, track.Enabled())
	}
	assert.True(t, kinds[webrtc.RTPCodecTypeAudio])
	assert.True(t, kinds[webrtc.RTPCodecTypeVideo])

	// Each capture gets its own stream identity.
	other, err := StaticSource{}.Capture(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, local.ID(), other.ID())
}

func TestToggleFlipsOnlyMatchingKind(t *testing.T) {
	local, err := StaticSource{}.Capture(context.Background())
	require.NoError(t, err)

	local.SetAudioEnabled(false)
	assert.False(t, local.AudioEnabled())
	assert.True(t, local.VideoEnabled())

	local.SetVideoEnabled(false)
	assert.False(t, local.VideoEnabled())

	local.SetAudioEnabled(true)
	assert.True(t, local.AudioEnabled())
	assert.False(t, local.VideoEnabled())
}

func TestDisabledTrackDropsSamples(t *testing.T) {
	local, err := StaticSource{}.Capture(context.Background())
	require.NoError(t, err)

	sample := media.Sample{Data: []byte{0x00}, Duration: 20 * time.Millisecond}
	for _, track := range local.Tracks() {
		require.NoError(t, track.WriteSample(sample))
		track.SetEnabled(false)
		// Writes while disabled succeed but send nothing.
		require.NoError(t, track.WriteSample(sample))
	}
}

func TestStopDisablesEverything(t *testing.T) {
	local, err := StaticSource{}.Capture(context.Background())
	require.NoError(t, err)

	local.Stop()
	assert.False(t, local.AudioEnabled())
	assert.False(t, local.VideoEnabled())
	for _, track := range local.Tracks() {
		assert.False(t, track.Enabled())
	}
}
