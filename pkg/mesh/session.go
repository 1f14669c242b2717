// Package mesh is the client-side controller for live-class video.
// One Session per participant: it owns local media capture, one peer
// connection per remote participant, the signaling handshake and the
// room roster, and surfaces everything else through callbacks and
// snapshot getters. Media flows directly between participants; the
// signaling service only relays connection setup.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/fitpulse/livemesh/internal/models"
)

// Status is the class-lifecycle state of a session.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusLive
	StatusEnded
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusEnded:
		return "ended"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a Session.
type Config struct {
	// ServerURL is the signaling service base URL (http(s) or ws(s)).
	ServerURL string
	// Token is the bearer credential for the signaling connection.
	Token string
	// ClassID identifies the class session to start or join.
	ClassID string
	// ICEServers for peer connections; defaults to a public STUN
	// server.
	ICEServers []webrtc.ICEServer
	// Source acquires local media; defaults to StaticSource.
	Source MediaSource
	// Signaler overrides the transport; defaults to the WebSocket
	// transport against ServerURL.
	Signaler Signaler
}

// Callbacks notify the presentation layer. All callbacks are optional
// and are invoked without session locks held; implementations must not
// block for long.
type Callbacks struct {
	OnLocalStream          func(stream *LocalMedia)
	OnRemoteStreamsChanged func()
	OnRosterChanged        func(participants []models.PeerInfo, count int)
	OnChatMessage          func(msg models.ChatMessage)
	OnStatusChanged        func(status Status)
	OnPeerStateChanged     func(socketID string, state webrtc.PeerConnectionState)
	OnTrainerReconnecting  func()
	OnError                func(err error)
}

// Session is one participant's seat in a class mesh.
type Session struct {
	cfg Config
	cb  Callbacks
	sig Signaler
	api *webrtc.API

	mu               sync.Mutex
	status           Status
	local            *LocalMedia
	peers            map[string]*remotePeer
	roster           map[string]models.PeerInfo
	participantCount int
	messages         []models.ChatMessage
	lastErr          error
}

// NewSession creates a session. It performs no I/O; Join or Start
// kicks everything off.
func NewSession(cfg Config, cb Callbacks) (*Session, error) {
	if cfg.Source == nil {
		cfg.Source = StaticSource{}
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		cb:     cb,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		status: StatusIdle,
		peers:  make(map[string]*remotePeer),
		roster: make(map[string]models.PeerInfo),
	}

	if cfg.Signaler != nil {
		s.sig = cfg.Signaler
	} else {
		s.sig = NewTransport(cfg.ServerURL, cfg.Token)
	}
	s.sig.OnEvent(s.handleEvent)
	s.sig.OnDisconnect(s.handleDisconnect)

	return s, nil
}

// Start opens the class as its trainer and offers to any participants
// already waiting in the room (trainer reconnect).
func (s *Session) Start(ctx context.Context) error {
	return s.enter(ctx, models.EventStartClass)
}

// Join enters a live class and offers to every existing peer. The
// joiner always initiates; existing peers only answer, which rules out
// offer glare by construction.
func (s *Session) Join(ctx context.Context) error {
	return s.enter(ctx, models.EventJoinClass)
}

func (s *Session) enter(ctx context.Context, event string) error {
	s.mu.Lock()
	switch s.status {
	case StatusIdle:
	case StatusClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	default:
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.status = StatusConnecting
	s.mu.Unlock()
	s.notifyStatus(StatusConnecting)

	local, err := s.ensureLocalMedia(ctx)
	if err != nil {
		s.fail(err)
		return err
	}
	if s.cb.OnLocalStream != nil {
		s.cb.OnLocalStream(local)
	}

	if !s.sig.Connected() {
		if err := s.sig.Connect(ctx); err != nil {
			s.fail(err)
			return err
		}
	}

	reply, err := s.sig.Request(ctx, event, models.ClassRequest{ClassID: s.cfg.ClassID})
	if err != nil {
		s.fail(err)
		return err
	}

	var rejection models.ErrorAck
	if json.Unmarshal(reply, &rejection) == nil && rejection.Error != "" {
		// Business-rule rejection; surfaced immediately, no retry.
		err := rejectionError(rejection.Error)
		s.fail(err)
		return err
	}

	var ack models.RosterAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	for _, peer := range ack.ExistingPeers {
		s.roster[peer.SocketID] = peer
	}
	s.participantCount = ack.ParticipantCount
	s.status = StatusLive
	s.mu.Unlock()

	s.notifyStatus(StatusLive)
	s.notifyRoster()

	// One independent offer per existing peer; no cross-peer ordering.
	for _, peer := range ack.ExistingPeers {
		if err := s.offerTo(peer); err != nil {
			s.setError(err)
		}
	}

	return nil
}

func (s *Session) ensureLocalMedia(ctx context.Context) (*LocalMedia, error) {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local != nil {
		return local, nil
	}

	local, err := s.cfg.Source.Capture(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.local = local
	s.mu.Unlock()
	return local, nil
}

// fail records the error and rolls the lifecycle back to idle so the
// caller can retry with a fresh join/start.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.status == StatusConnecting {
		s.status = StatusIdle
	}
	s.lastErr = err
	s.mu.Unlock()
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	s.notifyStatus(StatusIdle)
}

// offerTo runs step one of the handshake toward one remote peer.
func (s *Session) offerTo(info models.PeerInfo) error {
	peer, err := s.createPeer(info.SocketID, info.Name, info.IsTrainer)
	if err != nil {
		return err
	}

	offer, err := peer.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := peer.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	sdp, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return s.sig.Emit(models.EventOffer, models.SignalRequest{
		ClassID:        s.cfg.ClassID,
		TargetSocketID: info.SocketID,
		Offer:          sdp,
	})
}

// createPeer builds the peer connection for a remote socket, attaching
// every local track up front so basic audio/video needs no
// renegotiation. An existing connection for the same socket is closed
// and replaced.
func (s *Session) createPeer(socketID, name string, isTrainer bool) (*remotePeer, error) {
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local != nil {
		for _, t := range local.Tracks() {
			if _, err := pc.AddTrack(t.track); err != nil {
				pc.Close()
				return nil, err
			}
		}
	}

	peer := &remotePeer{
		socketID:  socketID,
		name:      name,
		isTrainer: isTrainer,
		pc:        pc,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		// Addressed to this peer only, never broadcast.
		if err := s.sig.Emit(models.EventICECandidate, models.SignalRequest{
			ClassID:        s.cfg.ClassID,
			TargetSocketID: socketID,
			Candidate:      payload,
		}); err != nil {
			log.Printf("Failed to send ICE candidate to %s: %v", socketID, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.storeRemoteTrack(socketID, track.StreamID(), track.ID(), track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.handlePeerState(socketID, state)
	})

	s.mu.Lock()
	old := s.peers[socketID]
	s.peers[socketID] = peer
	s.mu.Unlock()

	if old != nil {
		old.close()
	}
	return peer, nil
}

// storeRemoteTrack associates an inbound track with its peer. When the
// stored stream is already the same one, no observable update happens;
// replacing it with an equivalent-but-new object would make every
// downstream video sink reattach.
func (s *Session) storeRemoteTrack(socketID, streamID, trackID string, track *webrtc.TrackRemote) {
	changed := false

	s.mu.Lock()
	peer := s.peers[socketID]
	if peer == nil {
		s.mu.Unlock()
		return
	}
	if peer.stream != nil && peer.stream.ID == streamID {
		peer.stream.addTrack(trackID, track)
	} else {
		peer.stream = &RemoteStream{
			ID:        streamID,
			Name:      peer.name,
			IsTrainer: peer.isTrainer,
			tracks:    map[string]*webrtc.TrackRemote{trackID: track},
		}
		changed = true
	}
	s.mu.Unlock()

	if changed && s.cb.OnRemoteStreamsChanged != nil {
		s.cb.OnRemoteStreamsChanged()
	}
}

func (s *Session) handlePeerState(socketID string, state webrtc.PeerConnectionState) {
	s.mu.Lock()
	if peer := s.peers[socketID]; peer != nil && state == webrtc.PeerConnectionStateConnected {
		peer.reconnecting = false
	}
	s.mu.Unlock()

	if s.cb.OnPeerStateChanged != nil {
		s.cb.OnPeerStateChanged(socketID, state)
	}
}

// handleEvent is the single dispatch point for server-pushed events.
// Everything runs on the transport's read goroutine, so per-event work
// must stay short.
func (s *Session) handleEvent(event string, data json.RawMessage) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status == StatusEnded || status == StatusClosed {
		// Terminal: no further signaling for this room.
		return
	}

	switch event {
	case models.EventOffer:
		var ev models.OfferEvent
		if json.Unmarshal(data, &ev) == nil {
			s.handleOffer(ev)
		}
	case models.EventAnswer:
		var ev models.AnswerEvent
		if json.Unmarshal(data, &ev) == nil {
			s.handleAnswer(ev)
		}
	case models.EventICECandidate:
		var ev models.CandidateEvent
		if json.Unmarshal(data, &ev) == nil {
			s.handleCandidate(ev)
		}
	case models.EventNewPeer:
		var ev models.NewPeerEvent
		if json.Unmarshal(data, &ev) == nil {
			s.handleNewPeer(ev)
		}
	case models.EventPeerLeft:
		var ev models.PeerLeftEvent
		if json.Unmarshal(data, &ev) == nil {
			s.handlePeerLeft(ev)
		}
	case models.EventTrainerDisconnected:
		s.handleTrainerDisconnected()
	case models.EventClassEnded:
		s.handleClassEnded()
	case models.EventClassMessage:
		var msg models.ChatMessage
		if json.Unmarshal(data, &msg) == nil {
			s.handleChat(msg)
		}
	}
}

// handleOffer answers an incoming offer: create the connection for the
// sender, apply the offer, flush any early candidates, answer back.
func (s *Session) handleOffer(ev models.OfferEvent) {
	if ev.SenderIsTrainer {
		// A trainer offer means the trainer (re)connected with a new
		// socket; any previous trainer entry is a ghost.
		s.dropStaleTrainer(ev.SenderSocketID)
	}

	peer, err := s.createPeer(ev.SenderSocketID, ev.SenderName, ev.SenderIsTrainer)
	if err != nil {
		s.setError(err)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(ev.Offer, &offer); err != nil {
		return
	}
	if err := peer.pc.SetRemoteDescription(offer); err != nil {
		// Wrong-state races are harmless; drop silently.
		log.Printf("Ignoring offer from %s: %v", ev.SenderSocketID, err)
		return
	}

	s.mu.Lock()
	peer.remoteDescSet = true
	flushErrs := peer.flushPending()
	s.mu.Unlock()
	for _, err := range flushErrs {
		log.Printf("Ignoring queued candidate for %s: %v", ev.SenderSocketID, err)
	}

	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		s.setError(err)
		return
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		s.setError(err)
		return
	}

	sdp, err := json.Marshal(answer)
	if err != nil {
		return
	}
	if err := s.sig.Emit(models.EventAnswer, models.SignalRequest{
		ClassID:        s.cfg.ClassID,
		TargetSocketID: ev.SenderSocketID,
		Answer:         sdp,
	}); err != nil {
		s.setError(err)
	}
}

// handleAnswer completes the handshake this side initiated. The answer
// is only applied while the connection still has a local offer and no
// remote description; duplicate or stale answers are dropped.
func (s *Session) handleAnswer(ev models.AnswerEvent) {
	s.mu.Lock()
	peer := s.peers[ev.SenderSocketID]
	s.mu.Unlock()
	if peer == nil {
		return
	}
	if peer.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(ev.Answer, &answer); err != nil {
		return
	}
	if err := peer.pc.SetRemoteDescription(answer); err != nil {
		log.Printf("Ignoring answer from %s: %v", ev.SenderSocketID, err)
		return
	}

	s.mu.Lock()
	peer.remoteDescSet = true
	flushErrs := peer.flushPending()
	s.mu.Unlock()
	for _, err := range flushErrs {
		log.Printf("Ignoring queued candidate for %s: %v", ev.SenderSocketID, err)
	}
}

// handleCandidate queues or applies a trickled candidate. Candidates
// for sockets we no longer know are stale after a teardown and are
// dropped.
func (s *Session) handleCandidate(ev models.CandidateEvent) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(ev.Candidate, &candidate); err != nil {
		return
	}

	s.mu.Lock()
	peer := s.peers[ev.SenderSocketID]
	if peer == nil {
		s.mu.Unlock()
		return
	}
	err := peer.enqueueOrApply(candidate)
	s.mu.Unlock()

	if err != nil {
		log.Printf("Ignoring candidate from %s: %v", ev.SenderSocketID, err)
	}
}

// handleNewPeer records a roster addition. The newcomer offers to us;
// recipients never initiate, and a duplicate announcement for a known
// socket only refreshes the roster entry.
func (s *Session) handleNewPeer(ev models.NewPeerEvent) {
	s.mu.Lock()
	s.roster[ev.SocketID] = models.PeerInfo{
		SocketID:  ev.SocketID,
		UserID:    ev.UserID,
		Name:      ev.Name,
		IsTrainer: ev.IsTrainer,
	}
	s.participantCount = ev.ParticipantCount
	s.mu.Unlock()

	s.notifyRoster()
}

// handlePeerLeft tears down everything about the departed socket.
func (s *Session) handlePeerLeft(ev models.PeerLeftEvent) {
	s.mu.Lock()
	peer := s.peers[ev.SocketID]
	delete(s.peers, ev.SocketID)
	delete(s.roster, ev.SocketID)
	s.participantCount = ev.ParticipantCount
	s.mu.Unlock()

	if peer != nil {
		peer.close()
	}

	s.notifyRoster()
	if peer != nil && s.cb.OnRemoteStreamsChanged != nil {
		s.cb.OnRemoteStreamsChanged()
	}
}

// handleTrainerDisconnected flags the trainer as reconnecting instead
// of treating the room as ended; the service decides later whether the
// class survives.
func (s *Session) handleTrainerDisconnected() {
	s.mu.Lock()
	for _, peer := range s.peers {
		if peer.isTrainer {
			peer.reconnecting = true
		}
	}
	s.mu.Unlock()

	if s.cb.OnTrainerReconnecting != nil {
		s.cb.OnTrainerReconnecting()
	}
}

func (s *Session) handleClassEnded() {
	s.teardownPeers()

	s.mu.Lock()
	s.roster = make(map[string]models.PeerInfo)
	s.participantCount = 0
	s.status = StatusEnded
	s.mu.Unlock()

	s.notifyStatus(StatusEnded)
	s.notifyRoster()
}

func (s *Session) handleChat(msg models.ChatMessage) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	if s.cb.OnChatMessage != nil {
		s.cb.OnChatMessage(msg)
	}
}

// handleDisconnect reacts to an unexpected transport loss. Peer state
// is not restorable: socket IDs are reassigned on reconnect, so the
// mesh is torn down and the caller must join or start again.
func (s *Session) handleDisconnect(err error) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != StatusLive && status != StatusConnecting {
		return
	}

	s.teardownPeers()

	s.mu.Lock()
	s.roster = make(map[string]models.PeerInfo)
	s.participantCount = 0
	s.status = StatusIdle
	s.lastErr = err
	s.mu.Unlock()

	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	s.notifyStatus(StatusIdle)
	s.notifyRoster()
}

// dropStaleTrainer removes any trainer entry under a socket other than
// the given one.
func (s *Session) dropStaleTrainer(currentSocketID string) {
	var stale []*remotePeer

	s.mu.Lock()
	for socketID, peer := range s.peers {
		if peer.isTrainer && socketID != currentSocketID {
			stale = append(stale, peer)
			delete(s.peers, socketID)
			delete(s.roster, socketID)
		}
	}
	s.mu.Unlock()

	for _, peer := range stale {
		peer.close()
	}
	if len(stale) > 0 {
		s.notifyRoster()
	}
}

// SendMessage emits a chat message. Fire-and-forget: no delivery
// acknowledgment; the service echoes it back to everyone including the
// sender.
func (s *Session) SendMessage(text string) error {
	return s.sig.Emit(models.EventClassMessage, models.ChatRequest{
		ClassID: s.cfg.ClassID,
		Message: text,
	})
}

// ToggleAudio flips the local audio tracks and returns the new enabled
// state. Purely local: peers observe silence, not a mute event, and no
// connection is touched.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local == nil {
		return false
	}
	enabled := !local.AudioEnabled()
	local.SetAudioEnabled(enabled)
	return enabled
}

// ToggleVideo flips the local video tracks and returns the new enabled
// state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local == nil {
		return false
	}
	enabled := !local.VideoEnabled()
	local.SetVideoEnabled(enabled)
	return enabled
}

// EndClass closes the room for everyone. Trainer only; other sessions
// receive class-ended from the service.
func (s *Session) EndClass(ctx context.Context) error {
	reply, err := s.sig.Request(ctx, models.EventEndClass, models.ClassRequest{ClassID: s.cfg.ClassID})
	if err != nil {
		s.setError(err)
		return err
	}

	var rejection models.ErrorAck
	if json.Unmarshal(reply, &rejection) == nil && rejection.Error != "" {
		err := rejectionError(rejection.Error)
		s.setError(err)
		return err
	}

	s.cleanup(StatusEnded)
	return nil
}

// Leave exits the class and releases everything. Idempotent and safe
// to call from teardown paths regardless of current state: afterwards
// no peer connection, track or map entry remains reachable.
func (s *Session) Leave() {
	s.mu.Lock()
	live := s.status == StatusLive
	s.mu.Unlock()

	if live && s.sig.Connected() {
		// Best-effort goodbye; the service also notices the socket
		// closing.
		_ = s.sig.Emit(models.EventLeaveClass, models.ClassRequest{ClassID: s.cfg.ClassID})
	}

	s.cleanup(StatusClosed)
}

func (s *Session) teardownPeers() {
	s.mu.Lock()
	peers := make([]*remotePeer, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer)
	}
	s.peers = make(map[string]*remotePeer)
	s.mu.Unlock()

	for _, peer := range peers {
		peer.close()
	}
}

func (s *Session) cleanup(final Status) {
	s.teardownPeers()

	s.mu.Lock()
	local := s.local
	s.local = nil
	s.roster = make(map[string]models.PeerInfo)
	s.participantCount = 0
	changed := s.status != final
	s.status = final
	s.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	_ = s.sig.Close()

	if changed {
		s.notifyStatus(final)
	}
}

// rejectionError maps a service rejection onto the matching sentinel
// so callers can branch without string comparison.
func rejectionError(msg string) error {
	if msg == ErrClassEnded.Error() {
		return ErrClassEnded
	}
	return errors.New(msg)
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

func (s *Session) notifyStatus(status Status) {
	if s.cb.OnStatusChanged != nil {
		s.cb.OnStatusChanged(status)
	}
}

func (s *Session) notifyRoster() {
	if s.cb.OnRosterChanged == nil {
		return
	}
	participants, count := s.Participants()
	s.cb.OnRosterChanged(participants, count)
}

// Participants returns the current remote roster, sorted by name for
// stable presentation, plus the room's participant count (which
// includes this session).
func (s *Session) Participants() ([]models.PeerInfo, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PeerInfo, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, s.participantCount
}

// LocalStream returns the captured local media, or nil before capture.
func (s *Session) LocalStream() *LocalMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteStream returns the inbound stream for one peer, or nil.
func (s *Session) RemoteStream(socketID string) *RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer := s.peers[socketID]; peer != nil {
		return peer.stream
	}
	return nil
}

// RemoteStreams returns every peer's inbound stream keyed by socket
// ID.
func (s *Session) RemoteStreams() map[string]*RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*RemoteStream, len(s.peers))
	for socketID, peer := range s.peers {
		if peer.stream != nil {
			out[socketID] = peer.stream
		}
	}
	return out
}

// Messages returns the chat log in arrival order.
func (s *Session) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Status returns the lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the most recent error (last-write-wins).
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
