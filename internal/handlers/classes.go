package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fitpulse/livemesh/internal/middleware"
	"github.com/fitpulse/livemesh/internal/models"
	"github.com/fitpulse/livemesh/internal/store"
)

const defaultMaxParticipants = 8

// ClassAPI serves the REST endpoints around class sessions. These are
// pre-join context only; authoritative membership lives in the hub.
type ClassAPI struct {
	Store       store.ClassStore
	Hub         *Hub
	JWTSecret   string
	STUNServers []string
}

// CreateClass creates class metadata (requires authentication; trainer
// role only).
func (a *ClassAPI) CreateClass(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	if role, _ := c.Get("user_role"); role != middleware.RoleTrainer {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only trainers can create classes"})
		return
	}

	var req models.CreateClassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.MaxParticipants == 0 {
		req.MaxParticipants = defaultMaxParticipants
	}

	name, _ := c.Get("user_name")
	trainerName, _ := name.(string)

	class := models.ClassMetadata{
		ID:              uuid.New().String(),
		Title:           req.Title,
		TrainerID:       userID.(string),
		TrainerName:     trainerName,
		ClassType:       req.ClassType,
		DurationMinutes: req.DurationMinutes,
		MaxParticipants: req.MaxParticipants,
		Status:          models.ClassStatusNotStarted,
		CreatedAt:       time.Now(),
	}

	if err := a.Store.Put(c.Request.Context(), class); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create class"})
		return
	}

	c.JSON(http.StatusCreated, models.CreateClassResponse{ClassID: class.ID})
}

// GetICEConfig returns the ICE servers clients should gather
// candidates against. Served over REST so the set can change without a
// client release.
func (a *ClassAPI) GetICEConfig(c *gin.Context) {
	c.JSON(http.StatusOK, models.ICEConfig{
		ICEServers: []models.ICEServer{{URLs: a.STUNServers}},
	})
}

// GetRoomInfo returns the pre-join view of a class. Public; a bearer
// token, when present, is used only to answer "is the caller the
// trainer".
func (a *ClassAPI) GetRoomInfo(c *gin.Context) {
	classID := c.Param("classId")

	class, err := a.Store.Get(c.Request.Context(), classID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Class not found"})
		return
	}

	isTrainer := false
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			if claims, err := middleware.ParseToken(parts[1], a.JWTSecret); err == nil {
				isTrainer = claims.UserID == class.TrainerID
			}
		}
	}

	c.JSON(http.StatusOK, models.RoomInfo{
		Title:               class.Title,
		Trainer:             class.TrainerName,
		ClassType:           class.ClassType,
		DurationMinutes:     class.DurationMinutes,
		MaxParticipants:     class.MaxParticipants,
		Status:              class.Status,
		CurrentParticipants: a.Hub.LiveCount(classID),
		IsTrainer:           isTrainer,
	})
}
