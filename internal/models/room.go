package models

import "time"

// ClassStatus is the lifecycle state of a class session.
type ClassStatus string

const (
	ClassStatusNotStarted ClassStatus = "not-started"
	ClassStatusLive       ClassStatus = "live"
	ClassStatusEnded      ClassStatus = "ended"
)

// ClassMetadata stores information about a class session. The roster
// itself lives in the in-memory hub; this is the durable description
// used by the pre-join screens.
type ClassMetadata struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	TrainerID       string      `json:"trainerId"`
	TrainerName     string      `json:"trainerName"`
	ClassType       string      `json:"classType"`
	DurationMinutes int         `json:"duration"`
	MaxParticipants int         `json:"maxParticipants"`
	Status          ClassStatus `json:"status"`
	CreatedAt       time.Time   `json:"createdAt"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
}

// PeerInfo identifies one participant for the duration of one socket
// connection.
type PeerInfo struct {
	SocketID  string `json:"socketId"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	IsTrainer bool   `json:"isTrainer"`
}

// CreateClassRequest is the request body for creating a class.
type CreateClassRequest struct {
	Title           string `json:"title" binding:"required"`
	ClassType       string `json:"classType"`
	DurationMinutes int    `json:"duration" binding:"min=0,max=480"`
	MaxParticipants int    `json:"maxParticipants" binding:"min=0,max=16"`
}

// CreateClassResponse is the response for creating a class.
type CreateClassResponse struct {
	ClassID string `json:"classId"`
}

// ICEServer is one ICE server entry in the client configuration,
// shaped like the RTCIceServer dictionary.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEConfig is the ICE server set handed to clients before they
// connect.
type ICEConfig struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// RoomInfo is the read-only pre-join view of a class. Authoritative
// membership comes from the signaling channel, not from here.
type RoomInfo struct {
	Title               string      `json:"title"`
	Trainer             string      `json:"trainer"`
	ClassType           string      `json:"classType"`
	DurationMinutes     int         `json:"duration"`
	MaxParticipants     int         `json:"maxParticipants"`
	Status              ClassStatus `json:"status"`
	CurrentParticipants int         `json:"currentParticipants"`
	IsTrainer           bool        `json:"isTrainer"`
}
