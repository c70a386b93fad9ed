package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/whisperq/internal/storage"
)

func (s *server) upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// stream pushes a JobView whenever the job changes, until it is terminal or
// the client goes away
func (s *server) stream(c *websocket.Conn) {
	defer c.Close()

	jobID := c.Params("id")
	owner, _ := c.Locals(localOwner).(string)
	log := s.log.With().Str("job_id", jobID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// reader: a read error means the client closed the connection
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	var last JobView
	sent := false
	for {
		job, err := s.Scheduler.Status(ctx, jobID, owner)
		switch {
		case errors.Is(err, storage.ErrJobNotFound):
			c.WriteJSON(fiber.Map{"error": "Job not found", "code": "ERR_NOT_FOUND"})
			return
		case err != nil:
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Status poll failed")
			}
			return
		}

		view := newJobView(job)
		if !sent || view.Status != last.Status || view.Progress != last.Progress {
			if err := c.WriteJSON(view); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
			last, sent = view, true
		}
		if job.Status.IsTerminal() {
			c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
