package server

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// StartAPIServer starts the Fiber-based API server that hands out session
// ids for new pairings and exposes a status endpoint. QR rendering of the
// join URL is left to the page that calls this API.
func StartAPIServer(logger *zap.Logger) {
	app := fiber.New()

	app.Post("/api/sessions", func(c *fiber.Ctx) error {
		sessionID := uuid.New().String()
		joinURL := fmt.Sprintf("%s/mobile?session=%s", viper.GetString("api.public_url"), sessionID)
		logger.Info("Session created", zap.String("sessionID", sessionID))
		return c.JSON(fiber.Map{
			"session_id": sessionID,
			"join_url":   joinURL,
		})
	})

	app.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "running",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// Get the API port from configuration; default to 8080 if not set.
	port := viper.GetInt("api.port")
	if port == 0 {
		port = 8080
	}

	logger.Info("Starting session API server", zap.Int("port", port))
	err := app.Listen(fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}
}
