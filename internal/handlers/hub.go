package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/fitpulse/livemesh/internal/models"
	"github.com/fitpulse/livemesh/internal/store"
)

// Business-rule rejections surfaced to clients in acks.
var (
	errClassNotFound   = errors.New("class not found")
	errClassNotStarted = errors.New("class has not started yet")
	errClassEnded      = errors.New("class already ended")
	errClassFull       = errors.New("class is full")
	errNotTrainer      = errors.New("only the trainer can do that")
	errNotInClass      = errors.New("not a participant of this class")
)

// Hub tracks which sockets belong to which class and brokers every
// signaling exchange between them. The hub is the authoritative roster;
// the store only holds class metadata.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*classRoom
	store store.ClassStore
	grace time.Duration
}

// classRoom is the live membership of one class session.
type classRoom struct {
	classID string
	mu      sync.RWMutex
	members map[string]*Client // keyed by socket ID
	// Socket of the trainer currently running the class; empty while
	// the trainer is disconnected.
	trainerSocketID string
	// Armed when the trainer drops; ends the class when it fires.
	graceTimer *time.Timer
}

// NewHub creates a hub backed by the given metadata store. grace is how
// long a live class survives without its trainer.
func NewHub(s store.ClassStore, grace time.Duration) *Hub {
	return &Hub{
		rooms: make(map[string]*classRoom),
		store: s,
		grace: grace,
	}
}

// LiveCount returns the number of connected participants in a class.
func (h *Hub) LiveCount(classID string) int {
	h.mu.RLock()
	room := h.rooms[classID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.members)
}

func (h *Hub) getOrCreateRoom(classID string) *classRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[classID]
	if !exists {
		room = &classRoom{
			classID: classID,
			members: make(map[string]*Client),
		}
		h.rooms[classID] = room
		log.Printf("Created room for class %s", classID)
	}
	return room
}

func (h *Hub) getRoom(classID string) *classRoom {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[classID]
}

func (h *Hub) dropRoom(classID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, classID)
}

// StartClass opens (or re-opens) a class. Only the trainer named in the
// class metadata may start it. When the trainer reconnects into a room
// that still has participants, the returned roster lists them so the
// trainer can offer to each one.
func (h *Hub) StartClass(ctx context.Context, client *Client, classID string) (models.RosterAck, error) {
	meta, err := h.store.Get(ctx, classID)
	if err != nil {
		return models.RosterAck{}, errClassNotFound
	}
	if meta.TrainerID != client.UserID {
		return models.RosterAck{}, errNotTrainer
	}
	if meta.Status == models.ClassStatusEnded {
		return models.RosterAck{}, errClassEnded
	}

	room := h.getOrCreateRoom(classID)

	room.mu.Lock()
	if room.graceTimer != nil {
		room.graceTimer.Stop()
		room.graceTimer = nil
	}
	evicted := room.evictStaleLocked(client.UserID)
	existing := room.rosterLocked(client.SocketID)
	room.members[client.SocketID] = client
	room.trainerSocketID = client.SocketID
	count := len(room.members)
	room.mu.Unlock()

	room.announceEvictions(evicted, client.SocketID)
	client.setClass(classID, true)

	if err := h.store.SetStatus(ctx, classID, models.ClassStatusLive); err != nil {
		log.Printf("Failed to mark class %s live: %v", classID, err)
	}

	log.Printf("Trainer %s started class %s (%d connected)", client.UserID, classID, count)

	return models.RosterAck{
		ParticipantCount: count,
		ExistingPeers:    existing,
		Message:          "class started",
	}, nil
}

// JoinClass adds a participant to a live class and tells everyone else
// about it. The joiner receives the current roster and is the offerer
// toward every peer in it.
func (h *Hub) JoinClass(ctx context.Context, client *Client, classID string) (models.RosterAck, error) {
	meta, err := h.store.Get(ctx, classID)
	if err != nil {
		return models.RosterAck{}, errClassNotFound
	}
	switch meta.Status {
	case models.ClassStatusEnded:
		return models.RosterAck{}, errClassEnded
	case models.ClassStatusLive:
	default:
		return models.RosterAck{}, errClassNotStarted
	}

	room := h.getRoom(classID)
	if room == nil {
		return models.RosterAck{}, errClassNotStarted
	}

	room.mu.Lock()
	if _, already := room.members[client.SocketID]; already {
		// Duplicate join over the same socket is a no-op.
		existing := room.rosterLocked(client.SocketID)
		count := len(room.members)
		room.mu.Unlock()
		return models.RosterAck{ParticipantCount: count, ExistingPeers: existing}, nil
	}
	if meta.MaxParticipants > 0 && len(room.members) >= meta.MaxParticipants {
		room.mu.Unlock()
		return models.RosterAck{}, errClassFull
	}
	evicted := room.evictStaleLocked(client.UserID)
	existing := room.rosterLocked(client.SocketID)
	room.members[client.SocketID] = client
	count := len(room.members)
	room.mu.Unlock()

	room.announceEvictions(evicted, client.SocketID)

	isTrainer := meta.TrainerID == client.UserID
	client.setClass(classID, isTrainer)

	room.broadcast(models.EventNewPeer, models.NewPeerEvent{
		SocketID:         client.SocketID,
		Name:             client.Name,
		UserID:           client.UserID,
		IsTrainer:        isTrainer,
		ParticipantCount: count,
	}, client.SocketID)

	log.Printf("Peer %s (%s) joined class %s - %d connected", client.SocketID, client.Name, classID, count)

	return models.RosterAck{ParticipantCount: count, ExistingPeers: existing}, nil
}

// EndClass closes a class for everyone. Trainer only.
func (h *Hub) EndClass(ctx context.Context, client *Client, classID string) error {
	room := h.getRoom(classID)
	if room == nil {
		return errClassNotFound
	}

	room.mu.RLock()
	isTrainer := room.trainerSocketID == client.SocketID
	room.mu.RUnlock()
	if !isTrainer {
		return errNotTrainer
	}

	h.closeRoom(ctx, room)
	log.Printf("Trainer %s ended class %s", client.UserID, classID)
	return nil
}

// closeRoom broadcasts class-ended to every member, marks the class
// ended and drops the room.
func (h *Hub) closeRoom(ctx context.Context, room *classRoom) {
	room.mu.Lock()
	if room.graceTimer != nil {
		room.graceTimer.Stop()
		room.graceTimer = nil
	}
	members := make([]*Client, 0, len(room.members))
	for _, m := range room.members {
		members = append(members, m)
	}
	room.members = make(map[string]*Client)
	room.trainerSocketID = ""
	room.mu.Unlock()

	for _, m := range members {
		m.setClass("", false)
		m.sendEvent(models.EventClassEnded, struct{}{})
	}

	if err := h.store.SetStatus(ctx, room.classID, models.ClassStatusEnded); err != nil {
		log.Printf("Failed to mark class %s ended: %v", room.classID, err)
	}
	h.dropRoom(room.classID)
}

// LeaveClass removes a participant who asked to go. A trainer leaving
// this way is treated like a trainer disconnect.
func (h *Hub) LeaveClass(client *Client, classID string) {
	room := h.getRoom(classID)
	if room == nil {
		return
	}
	h.removeMember(room, client)
}

// Disconnect handles an abrupt transport loss for a client that was in
// a class.
func (h *Hub) Disconnect(client *Client) {
	classID := client.class()
	if classID == "" {
		return
	}
	room := h.getRoom(classID)
	if room == nil {
		return
	}
	h.removeMember(room, client)
}

// removeMember takes a client out of the room and notifies the rest.
// Trainer departures arm the grace timer and announce
// trainer-disconnected instead of peer-left.
func (h *Hub) removeMember(room *classRoom, client *Client) {
	room.mu.Lock()
	if _, ok := room.members[client.SocketID]; !ok {
		room.mu.Unlock()
		return
	}
	delete(room.members, client.SocketID)
	wasTrainer := room.trainerSocketID == client.SocketID
	if wasTrainer {
		room.trainerSocketID = ""
		if room.graceTimer == nil && h.grace > 0 {
			room.graceTimer = time.AfterFunc(h.grace, func() {
				log.Printf("Trainer did not return to class %s, ending it", room.classID)
				h.closeRoom(context.Background(), room)
			})
		}
	}
	count := len(room.members)
	empty := count == 0 && room.graceTimer == nil
	room.mu.Unlock()

	client.setClass("", false)

	if wasTrainer {
		room.broadcast(models.EventTrainerDisconnected, struct{}{}, client.SocketID)
		log.Printf("Trainer %s disconnected from class %s", client.UserID, room.classID)
	} else {
		room.broadcast(models.EventPeerLeft, models.PeerLeftEvent{
			SocketID:         client.SocketID,
			Name:             client.Name,
			ParticipantCount: count,
		}, client.SocketID)
		log.Printf("Peer %s left class %s (%d connected)", client.SocketID, room.classID, count)
	}

	if empty {
		h.dropRoom(room.classID)
		log.Printf("Removed empty room for class %s", room.classID)
	}
}

// Relay forwards an SDP offer/answer or ICE candidate to exactly one
// other socket in the same room. Never broadcast.
func (h *Hub) Relay(client *Client, event string, req models.SignalRequest) {
	room := h.getRoom(req.ClassID)
	if room == nil {
		return
	}

	room.mu.RLock()
	_, isMember := room.members[client.SocketID]
	target := room.members[req.TargetSocketID]
	room.mu.RUnlock()

	if !isMember {
		log.Printf("Dropping %s from non-member %s", event, client.SocketID)
		return
	}
	if target == nil {
		log.Printf("Target peer %s not found in class %s", req.TargetSocketID, req.ClassID)
		return
	}

	switch event {
	case models.EventOffer:
		target.sendEvent(models.EventOffer, models.OfferEvent{
			Offer:           req.Offer,
			SenderSocketID:  client.SocketID,
			SenderName:      client.Name,
			SenderIsTrainer: client.trainer(),
		})
	case models.EventAnswer:
		target.sendEvent(models.EventAnswer, models.AnswerEvent{
			Answer:         req.Answer,
			SenderSocketID: client.SocketID,
		})
	case models.EventICECandidate:
		target.sendEvent(models.EventICECandidate, models.CandidateEvent{
			Candidate:      req.Candidate,
			SenderSocketID: client.SocketID,
		})
	}
}

// Chat stamps a chat message and echoes it to every member, the sender
// included.
func (h *Hub) Chat(client *Client, req models.ChatRequest) {
	room := h.getRoom(req.ClassID)
	if room == nil {
		return
	}

	room.mu.RLock()
	_, isMember := room.members[client.SocketID]
	room.mu.RUnlock()
	if !isMember {
		return
	}

	room.broadcast(models.EventClassMessage, models.ChatMessage{
		SenderName: client.Name,
		IsTrainer:  client.trainer(),
		Message:    req.Message,
		Timestamp:  time.Now(),
	}, "")
}

// rosterLocked lists the members other than exclude. Caller holds
// room.mu.
func (r *classRoom) rosterLocked(exclude string) []models.PeerInfo {
	peers := make([]models.PeerInfo, 0, len(r.members))
	for socketID, m := range r.members {
		if socketID == exclude {
			continue
		}
		peers = append(peers, models.PeerInfo{
			SocketID:  socketID,
			UserID:    m.UserID,
			Name:      m.Name,
			IsTrainer: m.trainer(),
		})
	}
	return peers
}

// eviction records one ghost socket removed from a room, with the
// member count as it stood right after the removal.
type eviction struct {
	client *Client
	count  int
}

// evictStaleLocked removes any member still registered under the same
// user. A reconnecting user gets a new socket; the old registration is
// a ghost the rest of the room must tear down. Caller holds room.mu
// and announces the returned evictions after releasing it, so the
// counts on the wire stay consistent with the interleaved new-peer
// event.
func (r *classRoom) evictStaleLocked(userID string) []eviction {
	var evicted []eviction
	for socketID, m := range r.members {
		if m.UserID != userID {
			continue
		}
		delete(r.members, socketID)
		if r.trainerSocketID == socketID {
			r.trainerSocketID = ""
		}
		evicted = append(evicted, eviction{client: m, count: len(r.members)})
		log.Printf("Evicted stale socket %s for user %s", socketID, userID)
	}
	return evicted
}

// announceEvictions broadcasts peer-left for each evicted ghost and
// closes its connection. excludeSocketID is the replacement socket;
// its roster ack already excludes the ghosts.
func (r *classRoom) announceEvictions(evicted []eviction, excludeSocketID string) {
	for _, ev := range evicted {
		r.broadcast(models.EventPeerLeft, models.PeerLeftEvent{
			SocketID:         ev.client.SocketID,
			Name:             ev.client.Name,
			ParticipantCount: ev.count,
		}, excludeSocketID)
		ev.client.close()
	}
}

// broadcast sends an event to every member except excludeSocketID.
func (r *classRoom) broadcast(event string, data any, excludeSocketID string) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal %s broadcast: %v", event, err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for socketID, m := range r.members {
		if socketID == excludeSocketID {
			continue
		}
		m.send(models.Envelope{Event: event, Data: payload})
	}
}
