package handlers

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/codebuildervaibhav/whisperq/internal/transcription"
)

// upload stores a multipart audio file and enqueues it. Form fields: file,
// model, outputFormat and optional estimatedMinutes.
func (s *server) upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return badRequest("ERR_NO_FILE", "No file uploaded")
	}

	maxSize := int64(s.MaxUploadMB) * 1024 * 1024
	if file.Size > maxSize {
		return badRequest("ERR_FILE_TOO_LARGE", fmt.Sprintf("File too large (max %dMB)", s.MaxUploadMB))
	}
	if !transcription.ValidateAudioFormat(file.Filename) {
		return badRequest("ERR_INVALID_FORMAT", "Unsupported audio format")
	}

	model := c.FormValue("model", "BASE")
	format := c.FormValue("outputFormat", "TXT")
	estimate := 0
	if raw := c.FormValue("estimatedMinutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return badRequest("ERR_INVALID_REQUEST", "estimatedMinutes must be a non-negative integer")
		}
		estimate = n
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	key := fmt.Sprintf("uploads/%s/%s%s", ownerOf(c), uuid.New().String(), strings.ToLower(filepath.Ext(file.Filename)))
	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ref, err := s.Objects.Put(c.UserContext(), key, src, file.Size, contentType)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Failed to store upload")
		return &apiError{status: fiber.StatusBadGateway, code: "ERR_SAVE_FAILED", message: "Failed to save file"}
	}

	job, err := s.enqueue(c, ref, model, format, estimate)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"jobId":     job.ID,
		"status":    job.Status,
		"sourceRef": ref,
	})
}
