package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/campuswatch/internal/models"
	"github.com/noah-isme/campuswatch/internal/service"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
	"github.com/noah-isme/campuswatch/pkg/export"
	"github.com/noah-isme/campuswatch/pkg/response"
)

// CycleRunner runs one detection cycle on demand.
type CycleRunner interface {
	RunOnce(ctx context.Context) (service.CycleReport, error)
}

type snapshotLoader interface {
	Load(ctx context.Context, userID string, domain models.Domain) (*models.Snapshot, error)
}

type historyLister interface {
	List(ctx context.Context, filter models.HistoryFilter) ([]models.HistoryEntry, error)
}

// SnapshotView is a stored snapshot together with its normalized subjects.
type SnapshotView struct {
	*models.Snapshot
	Subjects []models.SubjectState `json:"subjects"`
}

// WatcherHandler exposes the change detectors to operators.
type WatcherHandler struct {
	detectors map[models.Domain]CycleRunner
	snapshots snapshotLoader
	history   historyLister
	logger    *zap.Logger
}

// NewWatcherHandler constructs the handler. Domains without a detector reject run requests.
func NewWatcherHandler(detectors map[models.Domain]CycleRunner, snapshots snapshotLoader, history historyLister, logger *zap.Logger) *WatcherHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WatcherHandler{detectors: detectors, snapshots: snapshots, history: history, logger: logger}
}

// RunCycle godoc
// @Summary Run a detection cycle
// @Description Polls every eligible user of the domain once and returns the cycle report
// @Tags Watchers
// @Produce json
// @Param domain path string true "attendance or marks"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /watchers/{domain}/run [post]
func (h *WatcherHandler) RunCycle(c *gin.Context) {
	domain, ok := models.ParseDomain(c.Param("domain"))
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown domain"))
		return
	}
	detector, ok := h.detectors[domain]
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "watcher disabled for domain"))
		return
	}

	h.logger.Info("on-demand cycle requested", zap.String("domain", string(domain)), zap.String("operator", operatorName(c)))
	report, err := detector.RunOnce(c.Request.Context())
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "detector cycle failed"))
		return
	}
	response.JSON(c, http.StatusOK, report)
}

// GetSnapshot godoc
// @Summary Get a user's snapshot
// @Tags Watchers
// @Produce json
// @Param userId path string true "User ID"
// @Param domain path string true "attendance or marks"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /users/{userId}/snapshots/{domain} [get]
func (h *WatcherHandler) GetSnapshot(c *gin.Context) {
	domain, ok := models.ParseDomain(c.Param("domain"))
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown domain"))
		return
	}
	userID := strings.TrimSpace(c.Param("userId"))

	snapshot, err := h.snapshots.Load(c.Request.Context(), userID, domain)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "snapshot not found"))
			return
		}
		response.Error(c, err)
		return
	}

	view := SnapshotView{Snapshot: snapshot}
	subjects, err := service.NormalizeState(domain, snapshot.RawState)
	if err != nil {
		h.logger.Warn("stored snapshot cannot be normalized", zap.String("user_id", userID), zap.Error(err))
	}
	view.Subjects = subjects
	response.JSON(c, http.StatusOK, view)
}

// ListHistory godoc
// @Summary List a user's change history
// @Tags Watchers
// @Produce json
// @Param userId path string true "User ID"
// @Param domain query string false "attendance or marks"
// @Param limit query int false "Maximum rows (default 50)"
// @Param format query string false "json (default) or csv"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /users/{userId}/history [get]
func (h *WatcherHandler) ListHistory(c *gin.Context) {
	filter := models.HistoryFilter{UserID: strings.TrimSpace(c.Param("userId"))}

	if raw := c.Query("domain"); raw != "" {
		domain, ok := models.ParseDomain(raw)
		if !ok {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown domain"))
			return
		}
		filter.Domain = domain
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	format := strings.ToLower(c.DefaultQuery("format", "json"))
	if format != "json" && format != "csv" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "format must be json or csv"))
		return
	}

	entries, err := h.history.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	if format == "csv" {
		h.writeHistoryCSV(c, filter.UserID, entries)
		return
	}
	response.JSON(c, http.StatusOK, entries, map[string]interface{}{"count": len(entries)})
}

var historyCSVHeaders = []string{
	"observed_at", "domain", "subject_key", "subject", "change_type", "significant", "outcome",
	"before_conducted", "before_absent", "after_conducted", "after_absent", "after_percentage",
	"before_scored", "before_total", "after_scored", "after_total",
}

func (h *WatcherHandler) writeHistoryCSV(c *gin.Context, userID string, entries []models.HistoryEntry) {
	table := export.Table{Headers: historyCSVHeaders, Rows: make([][]string, 0, len(entries))}
	for _, e := range entries {
		var before models.Values
		if e.Before != nil {
			before = *e.Before
		}
		table.Rows = append(table.Rows, []string{
			e.ObservedAt.UTC().Format(time.RFC3339),
			string(e.Domain),
			e.SubjectKey,
			e.Subject,
			string(e.ChangeType),
			strconv.FormatBool(e.Significant),
			string(e.Outcome),
			strconv.Itoa(before.Conducted),
			strconv.Itoa(before.Absent),
			strconv.Itoa(e.After.Conducted),
			strconv.Itoa(e.After.Absent),
			formatFloat(e.After.Percentage),
			formatFloat(before.Scored),
			formatFloat(before.Total),
			formatFloat(e.After.Scored),
			formatFloat(e.After.Total),
		})
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="history-%s.csv"`, userID))
	c.Status(http.StatusOK)
	if err := export.WriteCSV(c.Writer, table); err != nil {
		h.logger.Warn("history csv export failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
