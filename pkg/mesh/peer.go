package mesh

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteStream is the inbound media of one remote participant, keyed
// in the session by that participant's socket ID. The object is
// mutated in place as tracks arrive; it is only replaced when the
// underlying stream actually changes, so downstream sinks are never
// reattached for an equivalent stream.
type RemoteStream struct {
	ID        string
	Name      string
	IsTrainer bool

	mu     sync.RWMutex
	tracks map[string]*webrtc.TrackRemote
}

// Tracks returns the tracks received so far.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*webrtc.TrackRemote, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// addTrack records a track; returns false when it was already known.
func (s *RemoteStream) addTrack(trackID string, track *webrtc.TrackRemote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[trackID]; ok {
		return false
	}
	s.tracks[trackID] = track
	return true
}

// remotePeer is the session's connection state for one remote socket.
// At most one live peer connection exists per socket ID; re-creating
// for a known socket closes and replaces the previous one.
type remotePeer struct {
	socketID  string
	name      string
	isTrainer bool

	pc *webrtc.PeerConnection

	// ICE candidates that arrived before the remote description.
	// Applied in arrival order once the description is set; dropped
	// on teardown.
	pending       []webrtc.ICECandidateInit
	remoteDescSet bool

	stream       *RemoteStream
	reconnecting bool
}

// enqueueOrApply queues a candidate if the remote description is not
// yet set, otherwise applies it immediately. Returns the apply error,
// which callers swallow as a harmless race when the connection is
// already closed.
func (p *remotePeer) enqueueOrApply(candidate webrtc.ICECandidateInit) error {
	if !p.remoteDescSet {
		p.pending = append(p.pending, candidate)
		return nil
	}
	return p.pc.AddICECandidate(candidate)
}

// flushPending applies queued candidates in arrival order. Called
// right after the remote description is set.
func (p *remotePeer) flushPending() []error {
	var errs []error
	for _, candidate := range p.pending {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			errs = append(errs, err)
		}
	}
	p.pending = nil
	return errs
}

// close tears the peer down: the connection is closed and every
// queued candidate is discarded. Late-resolving async operations on a
// closed pion connection error out instead of panicking, so no
// further cancellation is needed.
func (p *remotePeer) close() {
	p.pending = nil
	p.stream = nil
	if p.pc != nil {
		p.pc.Close()
	}
}
