package mesh

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/livemesh/internal/handlers"
	"github.com/fitpulse/livemesh/internal/middleware"
	"github.com/fitpulse/livemesh/internal/models"
	"github.com/fitpulse/livemesh/internal/store"
)

// Wires two real sessions through the real signaling service and
// checks the whole choreography at the signaling level: roster
// propagation, the offer/answer handshake, chat and the class ending.
func TestTwoSessionsAgainstTheService(t *testing.T) {
	const secret = "e2e-secret"

	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	hub := handlers.NewHub(st, time.Minute)
	r := gin.New()
	r.GET("/ws/signal", hub.HandleSignaling(secret))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	require.NoError(t, st.Put(context.Background(), models.ClassMetadata{
		ID:              "class-1",
		Title:           "Morning HIIT",
		TrainerID:       "trainer-1",
		TrainerName:     "Alex",
		MaxParticipants: 8,
		Status:          models.ClassStatusNotStarted,
		CreatedAt:       time.Now(),
	}))

	token := func(userID, name, role string) string {
		claims := middleware.Claims{
			UserID: userID,
			Name:   name,
			Role:   role,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return signed
	}

	trainerChat := make(chan models.ChatMessage, 4)
	trainer, err := NewSession(Config{
		ServerURL: srv.URL,
		Token:     token("trainer-1", "Alex", middleware.RoleTrainer),
		ClassID:   "class-1",
	}, Callbacks{
		OnChatMessage: func(msg models.ChatMessage) { trainerChat <- msg },
	})
	require.NoError(t, err)
	t.Cleanup(trainer.Leave)

	member, err := NewSession(Config{
		ServerURL: srv.URL,
		Token:     token("member-1", "Blake", middleware.RoleMember),
		ClassID:   "class-1",
	}, Callbacks{})
	require.NoError(t, err)
	t.Cleanup(member.Leave)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, trainer.Start(ctx))
	require.Equal(t, StatusLive, trainer.Status())

	require.NoError(t, member.Join(ctx))
	participants, count := member.Participants()
	require.Len(t, participants, 1)
	assert.Equal(t, "Alex", participants[0].Name)
	assert.True(t, participants[0].IsTrainer)
	assert.Equal(t, 2, count)

	// The joiner's announcement reaches the trainer.
	require.Eventually(t, func() bool {
		participants, _ := trainer.Participants()
		return len(participants) == 1 && participants[0].Name == "Blake"
	}, 5*time.Second, 50*time.Millisecond)

	// The member offered, the trainer answered, and the handshake
	// settled on the member's side.
	trainerSocket := participants[0].SocketID
	require.Eventually(t, func() bool {
		member.mu.Lock()
		peer := member.peers[trainerSocket]
		member.mu.Unlock()
		return peer != nil && peer.pc.SignalingState() == webrtc.SignalingStateStable
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, member.SendMessage("ready when you are"))
	select {
	case msg := <-trainerChat:
		assert.Equal(t, "Blake", msg.SenderName)
		assert.False(t, msg.IsTrainer)
		assert.Equal(t, "ready when you are", msg.Message)
		assert.False(t, msg.Timestamp.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("chat message never reached the trainer")
	}

	require.NoError(t, trainer.EndClass(ctx))
	require.Equal(t, StatusEnded, trainer.Status())
	require.Eventually(t, func() bool {
		return member.Status() == StatusEnded
	}, 5*time.Second, 50*time.Millisecond)

	participants, _ = member.Participants()
	assert.Empty(t, participants)
	assert.Empty(t, member.RemoteStreams())
}
