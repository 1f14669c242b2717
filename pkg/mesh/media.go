package mesh

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalTrack is one outbound track shared by reference across every
// peer connection in the session. Disabling it silences all peers at
// once without renegotiation; samples written while disabled are
// dropped, so re-enabling is instant.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newLocalTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{track: track}
	t.enabled.Store(true)
	return t, nil
}

// Kind reports whether this is an audio or video track.
func (t *LocalTrack) Kind() webrtc.RTPCodecType {
	return t.track.Kind()
}

// Enabled reports whether samples are currently being sent.
func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

// SetEnabled flips the track without stopping it.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// WriteSample forwards a captured sample to every bound peer
// connection. Samples are dropped while the track is disabled.
func (t *LocalTrack) WriteSample(sample media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(sample)
}

// LocalMedia is the captured camera/microphone track set. It is
// acquired once per session and its tracks are attached to every peer
// connection created afterwards.
type LocalMedia struct {
	id     string
	tracks []*LocalTrack
}

// ID returns the stream identifier shared by the tracks.
func (m *LocalMedia) ID() string {
	return m.id
}

// Tracks returns all tracks, audio and video.
func (m *LocalMedia) Tracks() []*LocalTrack {
	return m.tracks
}

// AudioEnabled reports whether any audio track is enabled.
func (m *LocalMedia) AudioEnabled() bool {
	return m.kindEnabled(webrtc.RTPCodecTypeAudio)
}

// VideoEnabled reports whether any video track is enabled.
func (m *LocalMedia) VideoEnabled() bool {
	return m.kindEnabled(webrtc.RTPCodecTypeVideo)
}

func (m *LocalMedia) kindEnabled(kind webrtc.RTPCodecType) bool {
	for _, t := range m.tracks {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}

// SetAudioEnabled flips every audio track atomically with respect to
// the peers: the tracks are shared, so all connections observe the
// change at once.
func (m *LocalMedia) SetAudioEnabled(enabled bool) {
	m.setKindEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// SetVideoEnabled flips every video track.
func (m *LocalMedia) SetVideoEnabled(enabled bool) {
	m.setKindEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

func (m *LocalMedia) setKindEnabled(kind webrtc.RTPCodecType, enabled bool) {
	for _, t := range m.tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// Stop disables every track. Sources that own OS capture devices
// should release them when the session ends; the track set itself has
// nothing further to free.
func (m *LocalMedia) Stop() {
	for _, t := range m.tracks {
		t.SetEnabled(false)
	}
}

// MediaSource acquires the local track set. Implementations wrap
// platform capture; failures should be wrapped in ErrMediaPermission,
// ErrMediaNotFound or ErrMediaFailure so callers can show the right
// message.
type MediaSource interface {
	Capture(ctx context.Context) (*LocalMedia, error)
}

// StaticSource is the default MediaSource: one Opus audio track and
// one VP8 video track fed by the embedder via WriteSample. It never
// prompts for device permission.
type StaticSource struct{}

func (StaticSource) Capture(_ context.Context) (*LocalMedia, error) {
	streamID := "livemesh-" + uuid.New().String()

	audio, err := newLocalTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaFailure, err)
	}
	video, err := newLocalTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaFailure, err)
	}

	return &LocalMedia{id: streamID, tracks: []*LocalTrack{audio, video}}, nil
}
