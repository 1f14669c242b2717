package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/livemesh/internal/models"
)

func TestCreatePeerReplacesExistingConnection(t *testing.T) {
	f := newFakeSignaler()
	f.ackWith(models.EventJoinClass, models.RosterAck{ParticipantCount: 1})

	s := newTestSession(t, f, Callbacks{})
	require.NoError(t, s.Join(context.Background()))

	first, err := s.createPeer("sock-b", "Blake", false)
	require.NoError(t, err)
	second, err := s.createPeer("sock-b", "Blake", false)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	s.mu.Lock()
	current := s.peers["sock-b"]
	total := len(s.peers)
	s.mu.Unlock()
	assert.Same(t, second, current)
	assert.Equal(t, 1, total)

	// The replaced connection is closed, not leaked.
	require.Eventually(t, func() bool {
		return first.pc.ConnectionState() == webrtc.PeerConnectionStateClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, webrtc.PeerConnectionStateClosed, second.pc.ConnectionState())
}

func TestRemoteStreamKeepsIdentityAcrossTracks(t *testing.T) {
	changes := 0
	f := newFakeSignaler()
	f.ackWith(models.EventJoinClass, models.RosterAck{ParticipantCount: 1})

	s := newTestSession(t, f, Callbacks{
		OnRemoteStreamsChanged: func() { changes++ },
	})
	require.NoError(t, s.Join(context.Background()))

	_, err := s.createPeer("sock-b", "Blake", false)
	require.NoError(t, err)

	s.storeRemoteTrack("sock-b", "stream-1", "audio", nil)
	firstStream := s.RemoteStream("sock-b")
	require.NotNil(t, firstStream)
	assert.Equal(t, "stream-1", firstStream.ID)
	assert.Equal(t, "Blake", firstStream.Name)
	assert.Equal(t, 1, changes)

	// A second track of the same stream must not replace the stream
	// object; observers would needlessly reattach their sinks.
	s.storeRemoteTrack("sock-b", "stream-1", "video", nil)
	assert.Same(t, firstStream, s.RemoteStream("sock-b"))
	assert.Equal(t, 1, changes)
	assert.Len(t, firstStream.Tracks(), 2)

	// Re-delivery of a known track changes nothing.
	s.storeRemoteTrack("sock-b", "stream-1", "video", nil)
	assert.Len(t, firstStream.Tracks(), 2)
	assert.Equal(t, 1, changes)

	// A genuinely new stream replaces the object and notifies.
	s.storeRemoteTrack("sock-b", "stream-2", "audio", nil)
	replaced := s.RemoteStream("sock-b")
	require.NotNil(t, replaced)
	assert.NotSame(t, firstStream, replaced)
	assert.Equal(t, "stream-2", replaced.ID)
	assert.Equal(t, 2, changes)
}

func TestStoreRemoteTrackForUnknownSocketIsDropped(t *testing.T) {
	f := newFakeSignaler()
	f.ackWith(models.EventJoinClass, models.RosterAck{ParticipantCount: 1})

	s := newTestSession(t, f, Callbacks{
		OnRemoteStreamsChanged: func() { t.Fatal("no stream change expected") },
	})
	require.NoError(t, s.Join(context.Background()))

	s.storeRemoteTrack("sock-gone", "stream-1", "audio", nil)
	assert.Nil(t, s.RemoteStream("sock-gone"))
	assert.Empty(t, s.RemoteStreams())
}

func TestRemoteStreamsSnapshot(t *testing.T) {
	f := newFakeSignaler()
	f.ackWith(models.EventJoinClass, models.RosterAck{ParticipantCount: 1})

	s := newTestSession(t, f, Callbacks{})
	require.NoError(t, s.Join(context.Background()))

	_, err := s.createPeer("sock-a", "Alex", true)
	require.NoError(t, err)
	_, err = s.createPeer("sock-b", "Blake", false)
	require.NoError(t, err)

	// Peers without media yet are absent from the stream snapshot.
	assert.Empty(t, s.RemoteStreams())

	s.storeRemoteTrack("sock-a", "stream-a", "audio", nil)
	streams := s.RemoteStreams()
	require.Len(t, streams, 1)
	require.NotNil(t, streams["sock-a"])
	assert.True(t, streams["sock-a"].IsTrainer)
}
