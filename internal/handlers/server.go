// Package handlers exposes the scheduler over HTTP and WebSocket with fiber.
package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/whisperq/internal/logging"
	"github.com/codebuildervaibhav/whisperq/internal/metrics"
	"github.com/codebuildervaibhav/whisperq/internal/objectstore"
	"github.com/codebuildervaibhav/whisperq/internal/queue"
	"github.com/codebuildervaibhav/whisperq/internal/remote"
	"github.com/codebuildervaibhav/whisperq/internal/storage"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// Identity headers set by the upstream gateway
const (
	HeaderUserID        = "X-User-ID"
	HeaderUserPlan      = "X-User-Plan"
	HeaderCallbackToken = "X-Callback-Token"
	HeaderAdminToken    = "X-Admin-Token"
)

const (
	localOwner = "owner"
	localPlan  = "plan"
)

// Ledger is the usage side of the store
type Ledger interface {
	MonthlyUsage(ctx context.Context, ownerID string) (int, error)
	Plan(ctx context.Context, ownerID string) (types.Plan, error)
	SetPlan(ctx context.Context, ownerID string, plan types.Plan) error
	ResetAllMonthlyCounters(ctx context.Context) (int64, error)
}

// CallbackApplier applies remote terminal updates
type CallbackApplier interface {
	HandleCallback(ctx context.Context, cb remote.Callback) (bool, error)
}

// Deps wires the HTTP layer
type Deps struct {
	Scheduler *queue.Scheduler
	Ledger    Ledger
	// Objects receives uploads; nil disables POST /v1/uploads
	Objects objectstore.Store
	// Callbacks is nil unless the remote strategy runs in callback mode
	Callbacks CallbackApplier
	Metrics   *metrics.Collector
	Logs      *logging.LogBuffer
	Log       zerolog.Logger

	CallbackToken string
	// AdminToken guards /v1/admin; empty disables the admin routes
	AdminToken   string
	MaxUploadMB  int
	DriveEnabled bool
	// PollInterval paces WebSocket status snapshots
	PollInterval time.Duration
	Strategy     types.Strategy
	Version      string
	Ping         func(ctx context.Context) error
}

type server struct {
	Deps
	log      zerolog.Logger
	validate *validator.Validate
}

// NewApp builds the fiber application with every route registered
func NewApp(d Deps) *fiber.App {
	if d.MaxUploadMB <= 0 {
		d.MaxUploadMB = 500
	}
	if d.PollInterval <= 0 {
		d.PollInterval = time.Second
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	s := &server{Deps: d, log: logging.Component(d.Log, "http"), validate: newValidator()}

	app := fiber.New(fiber.Config{
		BodyLimit:             d.MaxUploadMB * 1024 * 1024,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	app.Use(recover.New())
	app.Use(s.requestLogger)
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, " + HeaderUserID + ", " + HeaderUserPlan,
	}))

	app.Get("/health", s.health)
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))
	}
	if d.Logs != nil {
		app.Get("/logs", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"logs": d.Logs.Lines()})
		})
	}

	v1 := app.Group("/v1")
	v1.Post("/callbacks/transcription", s.callback)

	admin := v1.Group("/admin", s.requireAdmin)
	admin.Post("/usage/reset", s.resetUsage)
	admin.Put("/users/:id/plan", s.setPlan)

	user := v1.Group("", s.identity)
	user.Post("/jobs", s.createJob)
	user.Get("/jobs", s.listJobs)
	user.Get("/jobs/:id", s.getJob)
	user.Delete("/jobs/:id", s.cancelJob)
	user.Get("/usage", s.usage)
	if d.Objects != nil {
		user.Post("/uploads", s.upload)
	}
	if d.DriveEnabled {
		user.Post("/jobs/gdrive", s.gdrive)
	}

	app.Get("/ws/jobs/:id", s.identity, s.upgradeOnly, websocket.New(s.stream))
	return app
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bind parses and validates a JSON body
func (s *server) bind(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return badRequest("ERR_INVALID_BODY", "Invalid request body")
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
			}
			return badRequest("ERR_INVALID_REQUEST", strings.Join(msgs, "; "))
		}
		return badRequest("ERR_INVALID_REQUEST", err.Error())
	}
	return nil
}

// identity reads the caller from gateway headers. The plan header is
// optional; the stored plan applies when it is absent.
func (s *server) identity(c *fiber.Ctx) error {
	owner := strings.TrimSpace(c.Get(HeaderUserID))
	if owner == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Missing " + HeaderUserID + " header",
			"code":  "ERR_UNAUTHENTICATED",
		})
	}

	var plan types.Plan
	if raw := c.Get(HeaderUserPlan); raw != "" {
		p, err := types.ParsePlan(raw)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "ERR_UNAUTHENTICATED",
			})
		}
		plan = p
	} else {
		p, err := s.Ledger.Plan(c.UserContext(), owner)
		if err != nil {
			return err
		}
		plan = p
	}

	c.Locals(localOwner, owner)
	c.Locals(localPlan, plan)
	return c.Next()
}

func ownerOf(c *fiber.Ctx) string {
	owner, _ := c.Locals(localOwner).(string)
	return owner
}

func planOf(c *fiber.Ctx) types.Plan {
	plan, _ := c.Locals(localPlan).(types.Plan)
	return plan
}

func (s *server) requireAdmin(c *fiber.Ctx) error {
	if s.AdminToken == "" {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Admin API disabled",
			"code":  "ERR_FORBIDDEN",
		})
	}
	if !tokenMatches(c.Get(HeaderAdminToken), s.AdminToken) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid admin token",
			"code":  "ERR_UNAUTHENTICATED",
		})
	}
	return c.Next()
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *server) health(c *fiber.Ctx) error {
	status, code := "healthy", fiber.StatusOK
	if s.Ping != nil {
		if err := s.Ping(c.UserContext()); err != nil {
			s.log.Error().Err(err).Msg("Health check failed")
			status, code = "unhealthy", fiber.StatusServiceUnavailable
		}
	}
	return c.Status(code).JSON(fiber.Map{
		"status":   status,
		"version":  s.Version,
		"strategy": s.Strategy,
	})
}

func (s *server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	if err != nil {
		// let the error handler set the status before logging
		if herr := c.App().ErrorHandler(c, err); herr != nil {
			c.Status(fiber.StatusInternalServerError)
		}
	}
	s.log.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("latency", time.Since(start)).
		Msg("Request handled")
	return nil
}

// apiError is an error with an HTTP status and a stable code
type apiError struct {
	status  int
	code    string
	message string
	extra   fiber.Map
}

func (e *apiError) Error() string { return e.message }

func badRequest(code, msg string) *apiError {
	return &apiError{status: fiber.StatusBadRequest, code: code, message: msg}
}

// errorHandler maps domain errors onto {error, code} responses
func (s *server) errorHandler(c *fiber.Ctx, err error) error {
	var (
		ae  *apiError
		qe  *queue.QuotaExceededError
		fe  *fiber.Error
		out = fiber.Map{}
	)
	status, code := fiber.StatusInternalServerError, "ERR_INTERNAL"
	msg := "Internal server error"

	switch {
	case errors.As(err, &ae):
		status, code, msg = ae.status, ae.code, ae.message
		for k, v := range ae.extra {
			out[k] = v
		}
	case errors.As(err, &qe):
		status, code, msg = fiber.StatusPaymentRequired, "ERR_QUOTA_EXCEEDED", qe.Error()
		view := types.NewQuotaView(qe.OwnerID, qe.Plan, qe.Used)
		out["monthlyMinutesUsed"] = view.MonthlyMinutesUsed
		out["quota"] = view.Quota
		out["remaining"] = view.Remaining
	case errors.Is(err, queue.ErrInvalidRequest):
		status, code, msg = fiber.StatusBadRequest, "ERR_INVALID_REQUEST", err.Error()
	case errors.Is(err, storage.ErrJobNotFound):
		status, code, msg = fiber.StatusNotFound, "ERR_NOT_FOUND", "Job not found"
	case errors.Is(err, queue.ErrAlreadyTerminal):
		status, code, msg = fiber.StatusConflict, "ERR_ALREADY_TERMINAL", "Job already finished"
	case errors.As(err, &fe):
		status, code, msg = fe.Code, "ERR_HTTP", fe.Message
	default:
		s.log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}

	out["error"] = msg
	out["code"] = code
	return c.Status(status).JSON(out)
}
