package handlers

import (
	"regexp"

	"github.com/gofiber/fiber/v2"
)

// GDriveRequest is the body of POST /v1/jobs/gdrive
type GDriveRequest struct {
	URL              string `json:"url" validate:"required"`
	Model            string `json:"model" validate:"required"`
	OutputFormat     string `json:"outputFormat" validate:"required"`
	EstimatedMinutes int    `json:"estimatedMinutes" validate:"gte=0"`
}

// gdrive enqueues a Google Drive file by share link; the Drive object store
// fetches it with the service's own credentials
func (s *server) gdrive(c *fiber.Ctx) error {
	var req GDriveRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	fileID := extractGDriveFileID(req.URL)
	if fileID == "" {
		return badRequest("ERR_INVALID_URL", "Invalid Google Drive URL")
	}

	job, err := s.enqueue(c, "gdrive://"+fileID, req.Model, req.OutputFormat, req.EstimatedMinutes)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"jobId":     job.ID,
		"status":    job.Status,
		"sourceRef": job.SourceRef,
	})
}

var (
	driveFilePath = regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)
	driveIDParam  = regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`)
	driveBareID   = regexp.MustCompile(`^([a-zA-Z0-9_-]{25,40})$`)
)

// extractGDriveFileID extracts the file ID from various Google Drive URL formats
func extractGDriveFileID(url string) string {
	// https://drive.google.com/file/d/{ID}/view, .../open?id={ID}, or a bare ID
	for _, re := range []*regexp.Regexp{driveFilePath, driveIDParam, driveBareID} {
		if m := re.FindStringSubmatch(url); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}
