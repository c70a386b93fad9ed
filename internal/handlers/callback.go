package handlers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/whisperq/internal/remote"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// callback receives terminal updates from the remote worker. Anything past
// the token check answers 200 so the remote side never retries.
func (s *server) callback(c *fiber.Ctx) error {
	if s.CallbackToken != "" && !tokenMatches(c.Get(HeaderCallbackToken), s.CallbackToken) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid callback token",
			"code":  "ERR_UNAUTHENTICATED",
		})
	}

	var cb remote.Callback
	if err := json.Unmarshal(c.Body(), &cb); err != nil {
		s.log.Warn().Err(err).Msg("Unreadable callback body")
		return c.JSON(fiber.Map{"received": true, "applied": false})
	}
	if s.Callbacks == nil {
		s.log.Warn().Str("job_id", cb.ID()).Msg("Callback received but remote callbacks are not enabled")
		return c.JSON(fiber.Map{"received": true, "applied": false})
	}

	applied, err := s.Callbacks.HandleCallback(c.UserContext(), cb)
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", cb.ID()).Msg("Callback not applied")
	}
	return c.JSON(fiber.Map{"received": true, "applied": applied})
}

// SetPlanRequest is the body of PUT /v1/admin/users/:id/plan
type SetPlanRequest struct {
	Plan string `json:"plan" validate:"required"`
}

func (s *server) setPlan(c *fiber.Ctx) error {
	var req SetPlanRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	plan, err := types.ParsePlan(req.Plan)
	if err != nil {
		return badRequest("ERR_INVALID_REQUEST", err.Error())
	}
	owner := c.Params("id")
	if err := s.Ledger.SetPlan(c.UserContext(), owner, plan); err != nil {
		return err
	}
	s.log.Info().Str("owner_id", owner).Str("plan", string(plan)).Msg("Plan changed")
	return c.JSON(fiber.Map{"ownerId": owner, "plan": plan})
}

func (s *server) resetUsage(c *fiber.Ctx) error {
	n, err := s.Ledger.ResetAllMonthlyCounters(c.UserContext())
	if err != nil {
		return err
	}
	s.log.Info().Int64("accounts", n).Msg("Monthly usage counters reset")
	return c.JSON(fiber.Map{"reset": n})
}
