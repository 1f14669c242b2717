package models

import (
	"encoding/json"
	"time"
)

// Event names carried on the signaling channel.
const (
	// Client -> server
	EventStartClass   = "start-class"
	EventJoinClass    = "join-class"
	EventEndClass     = "end-class"
	EventLeaveClass   = "leave-class"
	EventOffer        = "webrtc-offer"
	EventAnswer       = "webrtc-answer"
	EventICECandidate = "ice-candidate"
	EventClassMessage = "class-message"

	// Server -> client
	EventConnected           = "connected"
	EventAck                 = "ack"
	EventNewPeer             = "new-peer"
	EventPeerLeft            = "peer-left"
	EventTrainerDisconnected = "trainer-disconnected"
	EventClassEnded          = "class-ended"
)

// Envelope is the wire frame for every signaling message. Requests that
// expect a reply carry an AckID; the reply comes back as an "ack" event
// with the same AckID.
type Envelope struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnectedEvent tells a freshly attached client the socket ID the
// service minted for it. Socket IDs are not stable across reconnects.
type ConnectedEvent struct {
	SocketID string `json:"socketId"`
}

// ClassRequest is the payload for start-class, join-class, end-class
// and leave-class.
type ClassRequest struct {
	ClassID string `json:"classId"`
}

// RosterAck is the reply to start-class and join-class. ExistingPeers
// lists everyone already in the room; the receiver is the offerer
// toward each of them.
type RosterAck struct {
	ParticipantCount int        `json:"participantCount"`
	ExistingPeers    []PeerInfo `json:"existingPeers"`
	Message          string     `json:"message,omitempty"`
}

// ErrorAck is the reply when a request is rejected by a business rule.
type ErrorAck struct {
	Error string `json:"error"`
}

// SignalRequest carries an SDP offer/answer or an ICE candidate from a
// client, addressed to exactly one other socket. The SDP and candidate
// bodies are opaque to the service.
type SignalRequest struct {
	ClassID        string          `json:"classId"`
	TargetSocketID string          `json:"targetSocketId"`
	Offer          json.RawMessage `json:"offer,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
}

// OfferEvent is a relayed SDP offer.
type OfferEvent struct {
	Offer           json.RawMessage `json:"offer"`
	SenderSocketID  string          `json:"senderSocketId"`
	SenderName      string          `json:"senderName"`
	SenderIsTrainer bool            `json:"senderIsTrainer"`
}

// AnswerEvent is a relayed SDP answer.
type AnswerEvent struct {
	Answer         json.RawMessage `json:"answer"`
	SenderSocketID string          `json:"senderSocketId"`
}

// CandidateEvent is a relayed ICE candidate.
type CandidateEvent struct {
	Candidate      json.RawMessage `json:"candidate"`
	SenderSocketID string          `json:"senderSocketId"`
}

// NewPeerEvent announces a roster addition. Recipients never offer to
// the newcomer; the newcomer offers to them.
type NewPeerEvent struct {
	SocketID         string `json:"socketId"`
	Name             string `json:"name"`
	UserID           string `json:"userId"`
	IsTrainer        bool   `json:"isTrainer"`
	ParticipantCount int    `json:"participantCount"`
}

// PeerLeftEvent announces a roster removal.
type PeerLeftEvent struct {
	SocketID         string `json:"socketId"`
	Name             string `json:"name"`
	ParticipantCount int    `json:"participantCount"`
}

// ChatRequest is a fire-and-forget chat emission from a client.
type ChatRequest struct {
	ClassID string `json:"classId"`
	Message string `json:"message"`
}

// ChatMessage is the relayed chat payload, stamped by the service and
// echoed to every room member including the sender.
type ChatMessage struct {
	SenderName string    `json:"senderName"`
	IsTrainer  bool      `json:"isTrainer"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}
