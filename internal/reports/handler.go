// Package reports serves attendance tables and voucher draws over HTTP.
package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/fuzzy"
	"github.com/aura-webinar/attendance/internal/logfile"
	"github.com/aura-webinar/attendance/internal/lottery"
	"github.com/aura-webinar/attendance/internal/metrics"
	"github.com/aura-webinar/attendance/internal/middleware"
	"github.com/aura-webinar/attendance/internal/models"
	"github.com/aura-webinar/attendance/internal/sessionlog"
	"github.com/aura-webinar/attendance/pkg/queue"
	"github.com/aura-webinar/attendance/pkg/response"
	"github.com/aura-webinar/attendance/pkg/storage"
)

// EventSource loads the session logs of a webinar.
type EventSource interface {
	Events(ctx context.Context, webinarID uuid.UUID, loc *time.Location) (*models.Webinar, attendance.RawTable, error)
}

// JobQueue enqueues reconcile jobs.
type JobQueue interface {
	EnqueueReconcile(ctx context.Context, payload queue.ReconcilePayload) (string, error)
}

// Presigner signs export download URLs.
type Presigner interface {
	GeneratePresignedDownloadURL(ctx context.Context, key string) (string, error)
}

// Announcer broadcasts a draw to a draw room.
type Announcer interface {
	AnnounceDraw(ctx context.Context, room uuid.UUID, d lottery.Draw) error
}

// Config holds what every request starts from.
type Config struct {
	Options        attendance.Options
	Reader         *logfile.Reader
	Writer         *logfile.Writer
	Drawer         *lottery.Drawer
	DefaultWinners int
	DropUsers      []string
	MaxUploadBytes int64
}

// Deps are the optional backends. A nil dependency disables its endpoint.
type Deps struct {
	Events  EventSource
	Jobs    JobQueue
	Exports Presigner
	Room    Announcer
}

// Handler handles attendance, voucher and job endpoints.
type Handler struct {
	opts      attendance.Options
	reader    *logfile.Reader
	writer    *logfile.Writer
	drawer    *lottery.Drawer
	winners   int
	dropUsers []string
	maxUpload int64
	deps      Deps
	logger    *zap.Logger
}

// NewHandler creates a reports handler.
func NewHandler(cfg Config, deps Deps, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	winners := cfg.DefaultWinners
	if winners < 1 {
		winners = 1
	}
	return &Handler{
		opts:      cfg.Options,
		reader:    cfg.Reader,
		writer:    cfg.Writer,
		drawer:    cfg.Drawer,
		winners:   winners,
		dropUsers: cfg.DropUsers,
		maxUpload: cfg.MaxUploadBytes,
		deps:      deps,
		logger:    logger,
	}
}

// AttendanceResponse is the JSON body of an attendance table.
type AttendanceResponse struct {
	Table   attendance.Table          `json:"table"`
	Sources []attendance.SourceReport `json:"sources"`
}

// CountResponse is the JSON body of POST /attendance/count.
type CountResponse struct {
	Count int `json:"count"`
}

// DrawResponse is the JSON body of POST /vouchers/draw.
type DrawResponse struct {
	lottery.Draw
	Excluded []string `json:"excluded"`
}

// ReconcileRequest is the body for POST /jobs/reconcile.
type ReconcileRequest struct {
	Prefix              string `json:"prefix" binding:"required"`
	OutputKey           string `json:"output_key"`
	OverallUptime       bool   `json:"overall_uptime"`
	IgnoreInactiveUsers *bool  `json:"ignore_inactive_users"`
}

// JobResponse is the JSON body of an enqueued job.
type JobResponse struct {
	JobID       string `json:"job_id"`
	OutputKey   string `json:"output_key"`
	DownloadURL string `json:"download_url,omitempty"`
}

// configError reports whether err comes from a bad option rather than a failure.
func configError(err error) bool {
	return errors.Is(err, attendance.ErrInvalidWindow) ||
		errors.Is(err, attendance.ErrInvalidThreshold) ||
		errors.Is(err, attendance.ErrInvalidClock) ||
		errors.Is(err, fuzzy.ErrUnsupportedStrategy) ||
		errors.Is(err, lottery.ErrInvalidCount)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case configError(err):
		response.BadRequest(c, err.Error())
	case errors.Is(err, errTooLarge):
		response.RequestTooLarge(c, err.Error())
	default:
		h.logger.Error("reconciliation failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, "reconciliation failed")
	}
}

// run builds a pipeline for opts and reconciles tables, recording the run.
func (h *Handler) run(origin string, opts attendance.Options, tables []attendance.RawTable) (result *attendance.Result, err error) {
	started := time.Now()
	defer func() {
		var skipped, dropped int
		if result != nil {
			skipped, dropped = result.Losses()
		}
		metrics.RecordRun(origin, string(opts.Mode()), started, err, skipped, dropped)
	}()
	pipeline, err := attendance.NewPipeline(opts, h.logger)
	if err != nil {
		return nil, err
	}
	return pipeline.Run(tables)
}

// reconcileUpload parses the upload, resolves the options and runs the pipeline.
// It writes the error response itself and returns ok false on failure.
// reconcileUpload reads the upload and runs the pipeline over it. check, when
// set, validates the remaining fields before any log is reconciled.
func (h *Handler) reconcileUpload(c *gin.Context, check func(*upload) error) (u *upload, result *attendance.Result, csv, ok bool) {
	u, err := h.readUpload(c)
	if err != nil {
		if errors.Is(err, errTooLarge) {
			response.RequestTooLarge(c, err.Error())
		} else {
			response.BadRequest(c, err.Error())
		}
		return nil, nil, false, false
	}
	if csv, err = parseFormat(u.value(fieldFormat)); err != nil {
		response.BadRequest(c, err.Error())
		return nil, nil, false, false
	}
	opts, err := u.options(h.opts, true)
	if err != nil {
		response.BadRequest(c, err.Error())
		return nil, nil, false, false
	}
	if check != nil {
		if err := check(u); err != nil {
			response.BadRequest(c, err.Error())
			return nil, nil, false, false
		}
	}
	if result, err = h.run("http", opts, u.tables); err != nil {
		h.fail(c, err)
		return nil, nil, false, false
	}
	return u, result, csv, true
}

func warningsOf(u *upload, result *attendance.Result) []string {
	return append(append([]string(nil), u.warnings...), result.Warnings()...)
}

func (h *Handler) sendCSV(c *gin.Context, filename string, write func(io.Writer) error) {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		h.logger.Error("write csv", zap.Error(err))
		response.Internal(c, "failed to write csv")
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, h.writer.ContentType(), buf.Bytes())
}

func (h *Handler) sendTable(c *gin.Context, result *attendance.Result, warnings []string, csv bool) {
	if csv {
		h.sendCSV(c, "attendance.csv", func(w io.Writer) error { return h.writer.WriteTable(w, result.Table) })
		return
	}
	response.OKWithWarnings(c, AttendanceResponse{Table: result.Table, Sources: result.Sources}, warnings)
}

// Attendance handles POST /attendance.
func (h *Handler) Attendance(c *gin.Context) {
	u, result, csv, ok := h.reconcileUpload(c, nil)
	if !ok {
		return
	}
	h.sendTable(c, result, warningsOf(u, result), csv)
}

// Count handles POST /attendance/count.
func (h *Handler) Count(c *gin.Context) {
	u, result, _, ok := h.reconcileUpload(c, nil)
	if !ok {
		return
	}
	response.OKWithWarnings(c, CountResponse{Count: result.Table.Attendees()}, warningsOf(u, result))
}

// DrawVouchers handles POST /vouchers/draw.
func (h *Handler) DrawVouchers(c *gin.Context) {
	var req drawRequest
	u, result, csv, ok := h.reconcileUpload(c, func(u *upload) (err error) {
		req, err = h.parseDraw(u)
		return err
	})
	if !ok {
		return
	}
	warnings := warningsOf(u, result)
	n, dups, room := req.n, req.dups, req.room

	candidates := lottery.Candidates(result.Table, true)
	configured := h.dropUsers
	if names, ok := u.values(fieldIgnoreUsers); ok {
		configured = names
	}
	exclude := lottery.DefaultExclusions(configured, candidates, h.opts.FormatUserNames)

	draw, err := h.drawer.Draw(candidates, n, dups, exclude)
	if err != nil {
		h.fail(c, err)
		return
	}
	metrics.RecordDraw(draw.Short)
	if draw.Short {
		warnings = append(warnings, "not enough attendees for the requested number of winners")
	}
	if room != uuid.Nil && h.deps.Room != nil {
		if err := h.deps.Room.AnnounceDraw(c.Request.Context(), room, draw); err != nil {
			h.logger.Warn("draw room broadcast failed", zap.String("room", room.String()), zap.Error(err))
			warnings = append(warnings, "draw room broadcast failed")
		}
	}
	h.logger.Info("vouchers drawn",
		zap.String("user_id", middleware.UserID(c).String()),
		zap.Int("winners", len(draw.Winners)),
		zap.Bool("short", draw.Short),
	)

	if csv {
		h.sendCSV(c, "winners.csv", func(w io.Writer) error { return h.writer.WriteDraw(w, draw) })
		return
	}
	response.OKWithWarnings(c, DrawResponse{Draw: draw, Excluded: exclude}, warnings)
}

type drawRequest struct {
	n    int
	dups bool
	room uuid.UUID
}

func (h *Handler) parseDraw(u *upload) (drawRequest, error) {
	req := drawRequest{n: h.winners}
	if s := u.value(fieldNumber); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return req, fmt.Errorf("%s: %w", fieldNumber, err)
		}
		req.n = v
	}
	if req.n < 1 {
		return req, lottery.ErrInvalidCount
	}
	var err error
	if req.dups, err = parseBool(u.value(fieldDuplicates), false); err != nil {
		return req, fmt.Errorf("%s: %w", fieldDuplicates, err)
	}
	if s := u.value(fieldRoom); s != "" {
		if req.room, err = uuid.Parse(s); err != nil {
			return req, errors.New("invalid room")
		}
	}
	return req, nil
}

// WebinarAttendance handles GET /webinars/:id/attendance. Session logs close
// every connection, so inactive users are kept unless asked otherwise.
func (h *Handler) WebinarAttendance(c *gin.Context) {
	if h.deps.Events == nil {
		response.ServiceUnavailable(c, "session logs are not configured")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid webinar id")
		return
	}
	csv, err := parseFormat(c.Query(fieldFormat))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	opts := h.opts
	if opts.IgnoreInactiveUsers, err = parseBool(c.Query(fieldIgnoreInactive), false); err != nil {
		response.BadRequest(c, fieldIgnoreInactive+": "+err.Error())
		return
	}
	if opts.OverallUptime, err = parseBool(c.Query(fieldOverallUptime), false); err != nil {
		response.BadRequest(c, fieldOverallUptime+": "+err.Error())
		return
	}

	webinar, table, err := h.deps.Events.Events(c.Request.Context(), id, opts.Location)
	if err != nil {
		if errors.Is(err, sessionlog.ErrWebinarNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		h.logger.Error("load session logs", zap.String("webinar_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load session logs")
		return
	}
	if start, end, ok := sessionlog.Window(webinar, opts.Location); ok {
		opts.EventStart, opts.EventEnd = start, end
	}
	if opts, err = overrideWindow(opts, c.Query(fieldStartTime), c.Query(fieldEndTime)); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.run("webinar", opts, []attendance.RawTable{table})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.sendTable(c, result, result.Warnings(), csv)
}

// EnqueueReconcile handles POST /jobs/reconcile.
func (h *Handler) EnqueueReconcile(c *gin.Context) {
	if h.deps.Jobs == nil {
		response.ServiceUnavailable(c, "job queue is not configured")
		return
	}
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.OutputKey == "" {
		req.OutputKey = storage.ExportKey(req.Prefix)
	}
	payload := queue.ReconcilePayload{
		Prefix:              req.Prefix,
		OutputKey:           req.OutputKey,
		OverallUptime:       req.OverallUptime,
		IgnoreInactiveUsers: true,
		RequestedBy:         middleware.UserID(c),
	}
	if req.IgnoreInactiveUsers != nil {
		payload.IgnoreInactiveUsers = *req.IgnoreInactiveUsers
	}

	ctx := c.Request.Context()
	jobID, err := h.deps.Jobs.EnqueueReconcile(ctx, payload)
	if err != nil {
		h.logger.Error("enqueue reconcile", zap.String("prefix", req.Prefix), zap.Error(err))
		response.Internal(c, "failed to enqueue job")
		return
	}
	resp := JobResponse{JobID: jobID, OutputKey: req.OutputKey}
	if h.deps.Exports != nil {
		if url, err := h.deps.Exports.GeneratePresignedDownloadURL(ctx, req.OutputKey); err != nil {
			h.logger.Warn("presign export", zap.String("key", req.OutputKey), zap.Error(err))
		} else {
			resp.DownloadURL = url
		}
	}
	response.Accepted(c, resp)
}
