package mesh

import "errors"

var (
	// ErrNoToken indicates no access token was supplied; connect is
	// refused before any network attempt.
	ErrNoToken = errors.New("access token is required")

	// ErrNotConnected indicates the signaling transport is not
	// connected.
	ErrNotConnected = errors.New("not connected to signaling service")

	// ErrSessionActive indicates join/start was called on a session
	// that is already in a class.
	ErrSessionActive = errors.New("session already in a class")

	// ErrSessionClosed indicates the session has been cleaned up.
	ErrSessionClosed = errors.New("session is closed")

	// ErrClassEnded indicates the class was already ended by its
	// trainer.
	ErrClassEnded = errors.New("class already ended")

	// ErrMediaPermission indicates camera/microphone access was
	// denied.
	ErrMediaPermission = errors.New("camera or microphone permission denied")

	// ErrMediaNotFound indicates no capture device is available.
	ErrMediaNotFound = errors.New("no camera or microphone found")

	// ErrMediaFailure indicates a generic device failure.
	ErrMediaFailure = errors.New("failed to access camera or microphone")
)
