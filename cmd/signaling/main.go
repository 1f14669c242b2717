package main

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/fitpulse/livemesh/config"
	"github.com/fitpulse/livemesh/internal/handlers"
	"github.com/fitpulse/livemesh/internal/middleware"
	"github.com/fitpulse/livemesh/internal/store"
)

func main() {
	// Load .env if present; real env vars win
	_ = godotenv.Load()

	cfg := config.Load()

	// Connect to Redis for class metadata; fall back to the in-memory
	// store in development so the server runs standalone
	var classStore store.ClassStore
	redisStore, err := store.NewRedis(cfg.Redis, cfg.Class.TTL)
	if err != nil {
		if cfg.Environment == "production" {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Printf("Redis unavailable (%v), using in-memory class store", err)
		classStore = store.NewMemory()
	} else {
		defer redisStore.Close()
		classStore = redisStore
		log.Println("Redis connection established")
	}

	hub := handlers.NewHub(classStore, cfg.Class.TrainerGracePeriod)
	api := &handlers.ClassAPI{
		Store:       classStore,
		Hub:         hub,
		JWTSecret:   cfg.JWTSecret,
		STUNServers: cfg.Class.STUNServers,
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		// Create class (requires JWT, trainer role)
		apiGroup.POST("/classes", middleware.JWTAuth(cfg.JWTSecret), api.CreateClass)

		// Pre-join room info and ICE configuration (public)
		apiGroup.GET("/classes/:classId/room-info", api.GetRoomInfo)
		apiGroup.GET("/ice-config", api.GetICEConfig)
	}

	// WebSocket signaling endpoint
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", hub.HandleSignaling(cfg.JWTSecret))
	}

	// Start server
	log.Printf("Starting live-class signaling server on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
