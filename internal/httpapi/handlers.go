// Package httpapi exposes the planning and execution engine to the UI
// layer over a REST surface, with websocket progress at /ws/plans/:id.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"phaseforge/internal/events"
	"phaseforge/internal/logging"
	"phaseforge/internal/metrics"
	"phaseforge/internal/phases"
	"phaseforge/internal/session"
	"phaseforge/internal/store"
)

// Handler serves the plan/build API
type Handler struct {
	store    *store.PlanStore
	sessions *session.Manager
	hub      *events.Hub
}

// NewHandler creates the API handler.
func NewHandler(planStore *store.PlanStore, sessions *session.Manager, hub *events.Hub) *Handler {
	return &Handler{store: planStore, sessions: sessions, hub: hub}
}

// Register mounts all routes on the router.
func (h *Handler) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.POST("/plans", h.CreatePlan)
		v1.GET("/plans", h.ListPlans)
		v1.GET("/plans/:id", h.GetPlan)
		v1.DELETE("/plans/:id", h.DeletePlan)

		v1.POST("/plans/:id/start", h.StartBuild)
		v1.POST("/plans/:id/abort", h.AbortBuild)
		v1.GET("/plans/:id/progress", h.GetProgress)

		v1.GET("/plans/:id/phases/next", h.GetNextPhase)
		v1.GET("/plans/:id/phases/:n/context", h.GetExecutionContext)
		v1.POST("/plans/:id/phases/:n/result", h.SubmitPhaseResult)
		v1.POST("/plans/:id/phases/:n/skip", h.SkipPhase)
		v1.POST("/plans/:id/phases/:n/reset", h.ResetPhase)
		v1.POST("/plans/:id/rollback/:n", h.Rollback)

		v1.GET("/plans/:id/integrity", h.IntegrityReport)
		v1.POST("/plans/:id/review", h.RunReview)
		v1.GET("/plans/:id/review", h.GetReview)
	}
	r.GET("/ws/plans/:id", h.hub.HandleWS)
}

// CreatePlanRequest is the request body for plan generation
type CreatePlanRequest struct {
	Concept *phases.AppConcept   `json:"concept" binding:"required"`
	Config  phases.PlannerConfig `json:"config"`
}

// CreatePlan generates and stores a phase plan for an app concept.
// POST /api/v1/plans
func (h *Handler) CreatePlan(c *gin.Context) {
	var req CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	result := h.sessions.Plan(req.Concept, req.Config)
	if !result.Success {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "planning failed",
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
		return
	}

	if err := h.store.SavePlan(c.Request.Context(), result.Plan); err != nil {
		logging.S().Errorw("API: failed to persist plan", "plan_id", result.Plan.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save plan"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"plan":     result.Plan,
		"warnings": result.Warnings,
		"analysis": result.Analysis,
	})
}

// ListPlans returns stored plan summaries.
// GET /api/v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	summaries, err := h.store.ListPlans(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list plans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": summaries})
}

// GetPlan returns the full plan, live when a session is open.
// GET /api/v1/plans/:id
func (h *Handler) GetPlan(c *gin.Context) {
	plan, _, ok := h.resolvePlan(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, plan)
}

// DeletePlan discards a stored plan and closes any open session.
// DELETE /api/v1/plans/:id
func (h *Handler) DeletePlan(c *gin.Context) {
	planID := c.Param("id")
	h.sessions.Close(planID)
	if err := h.store.DeletePlan(c.Request.Context(), planID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete plan"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": planID})
}

// StartBuildRequest configures the gates for a build run
type StartBuildRequest struct {
	Gates session.Gates `json:"gates"`
}

// StartBuild opens a session for the plan and launches the run loop.
// POST /api/v1/plans/:id/start
func (h *Handler) StartBuild(c *gin.Context) {
	planID := c.Param("id")

	var req StartBuildRequest
	_ = c.ShouldBindJSON(&req) // gates are optional

	s := h.sessions.Get(planID)
	if s == nil {
		plan, err := h.store.LoadPlan(c.Request.Context(), planID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "plan not found", "details": err.Error()})
			return
		}
		s = h.sessions.Open(plan, req.Gates)
	}

	if err := h.sessions.Start(c.Request.Context(), planID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "failed to start build", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"plan_id":       planID,
		"session_id":    s.ID,
		"state":         s.State(),
		"websocket_url": "/ws/plans/" + planID,
	})
}

// AbortBuild cancels a running session; the in-flight phase reverts to
// pending.
// POST /api/v1/plans/:id/abort
func (h *Handler) AbortBuild(c *gin.Context) {
	s := h.sessions.Get(c.Param("id"))
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	s.Abort()
	c.JSON(http.StatusOK, gin.H{"state": s.State()})
}

// GetProgress reports session state, per-phase status, and gate findings.
// GET /api/v1/plans/:id/progress
func (h *Handler) GetProgress(c *gin.Context) {
	plan, s, ok := h.resolvePlan(c)
	if !ok {
		return
	}

	type phaseProgress struct {
		Number       int    `json:"number"`
		Name         string `json:"name"`
		Status       string `json:"status"`
		BuiltSummary string `json:"built_summary,omitempty"`
	}
	progress := make([]phaseProgress, 0, len(plan.Phases))
	for _, p := range plan.Phases {
		progress = append(progress, phaseProgress{
			Number:       p.Number,
			Name:         p.Name,
			Status:       string(p.Status),
			BuiltSummary: p.BuiltSummary,
		})
	}

	resp := gin.H{
		"plan_id":          plan.ID,
		"phases":           progress,
		"completed_phases": plan.CompletedPhaseNumbers,
		"failed_phases":    plan.FailedPhaseNumbers,
	}
	if s != nil {
		resp["state"] = s.State()
		resp["findings"] = s.Findings()
		resp["complete"] = s.Manager().IsComplete()
	}
	c.JSON(http.StatusOK, resp)
}

// GetNextPhase returns the next pending phase, or null when none remain.
// GET /api/v1/plans/:id/phases/next
func (h *Handler) GetNextPhase(c *gin.Context) {
	s, ok := h.requireSession(c)
	if !ok {
		return
	}
	next := s.Manager().GetNextPhase()
	c.JSON(http.StatusOK, gin.H{"next_phase": next, "complete": s.Manager().IsComplete()})
}

// GetExecutionContext returns the generation payload for one phase.
// GET /api/v1/plans/:id/phases/:n/context
func (h *Handler) GetExecutionContext(c *gin.Context) {
	s, n, ok := h.requireSessionPhase(c)
	if !ok {
		return
	}
	execCtx, err := s.Manager().GetExecutionContext(n)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, execCtx)
}

// SubmitPhaseResult records an externally produced generation result,
// the manual alternative to running the session loop.
// POST /api/v1/plans/:id/phases/:n/result
func (h *Handler) SubmitPhaseResult(c *gin.Context) {
	s, n, ok := h.requireSessionPhase(c)
	if !ok {
		return
	}

	var result phases.PhaseResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	result.PhaseNumber = n

	outcome := s.Manager().RecordPhaseResult(result)
	h.persist(c, s)
	c.JSON(http.StatusOK, outcome)
}

// SkipPhase marks a phase skipped.
// POST /api/v1/plans/:id/phases/:n/skip
func (h *Handler) SkipPhase(c *gin.Context) {
	s, n, ok := h.requireSessionPhase(c)
	if !ok {
		return
	}
	if err := s.Manager().SkipPhase(n); err != nil {
		h.phaseError(c, err)
		return
	}
	h.persist(c, s)
	c.JSON(http.StatusOK, gin.H{"phase": n, "status": phases.PhaseSkipped})
}

// ResetPhase returns a failed phase to pending for retry.
// POST /api/v1/plans/:id/phases/:n/reset
func (h *Handler) ResetPhase(c *gin.Context) {
	s, n, ok := h.requireSessionPhase(c)
	if !ok {
		return
	}
	if err := s.Manager().ResetPhase(n); err != nil {
		h.phaseError(c, err)
		return
	}
	h.persist(c, s)
	c.JSON(http.StatusOK, gin.H{"phase": n, "status": phases.PhasePending})
}

// Rollback restores accumulated state to the snapshot after phase n.
// POST /api/v1/plans/:id/rollback/:n
func (h *Handler) Rollback(c *gin.Context) {
	s, n, ok := h.requireSessionPhase(c)
	if !ok {
		return
	}
	if err := s.Manager().RollbackToSnapshot(n); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	metrics.Get().RollbacksTotal.Inc()
	h.persist(c, s)
	c.JSON(http.StatusOK, gin.H{"rolled_back_to": n, "snapshots": s.Manager().Snapshots()})
}

// IntegrityReport runs the read-only integrity checks and reports all
// results; acting on them is up to the caller.
// GET /api/v1/plans/:id/integrity
func (h *Handler) IntegrityReport(c *gin.Context) {
	s, ok := h.requireSession(c)
	if !ok {
		return
	}
	ic := s.Integrity()
	c.JSON(http.StatusOK, gin.H{
		"import_exports": ic.ValidateImportExports(),
		"api_contracts":  ic.ValidateAPIContracts(),
		"type_names":     ic.CheckTypeCompatibility(),
		"architecture":   ic.VerifyArchitectureImplementation(),
	})
}

// RunReviewRequest selects review scope and strictness
type RunReviewRequest struct {
	PhaseNumber int                     `json:"phase_number"` // 0 for final review
	Strictness  phases.ReviewStrictness `json:"strictness"`
}

// RunReview triggers a quality review and returns the report.
// POST /api/v1/plans/:id/review
func (h *Handler) RunReview(c *gin.Context) {
	s, ok := h.requireSession(c)
	if !ok {
		return
	}

	var req RunReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	var report *phases.QualityReport
	var err error
	if req.PhaseNumber > 0 {
		report, err = s.Reviewer().RunPhaseQualityReview(c.Request.Context(), req.PhaseNumber, req.Strictness)
	} else {
		report, err = s.Reviewer().RunFinalQualityReview(c.Request.Context(), req.Strictness)
	}
	if err != nil {
		if phases.IsPhaseNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "review failed", "details": err.Error()})
		return
	}
	h.persist(c, s)
	c.JSON(http.StatusOK, report)
}

// GetReview returns a cached review report.
// GET /api/v1/plans/:id/review?phase=N
func (h *Handler) GetReview(c *gin.Context) {
	s, ok := h.requireSession(c)
	if !ok {
		return
	}
	phase, _ := strconv.Atoi(c.DefaultQuery("phase", "0"))
	var report *phases.QualityReport
	if phase > 0 {
		report = s.Reviewer().GetReport(phase)
	} else {
		report = s.Reviewer().GetFinalReport()
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no review report cached"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// resolvePlan returns the live plan when a session exists, else the
// stored one. Writes the error response itself on failure.
func (h *Handler) resolvePlan(c *gin.Context) (*phases.DynamicPhasePlan, *session.Session, bool) {
	planID := c.Param("id")
	if s := h.sessions.Get(planID); s != nil {
		return s.Manager().Plan(), s, true
	}
	plan, err := h.store.LoadPlan(c.Request.Context(), planID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found", "details": err.Error()})
		return nil, nil, false
	}
	return plan, nil, true
}

// requireSession opens a session from the stored plan when none is live,
// so operator actions work after a restart.
func (h *Handler) requireSession(c *gin.Context) (*session.Session, bool) {
	planID := c.Param("id")
	if s := h.sessions.Get(planID); s != nil {
		return s, true
	}
	plan, err := h.store.LoadPlan(c.Request.Context(), planID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found", "details": err.Error()})
		return nil, false
	}
	return h.sessions.Open(plan, session.Gates{}), true
}

func (h *Handler) requireSessionPhase(c *gin.Context) (*session.Session, int, bool) {
	s, ok := h.requireSession(c)
	if !ok {
		return nil, 0, false
	}
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid phase number"})
		return nil, 0, false
	}
	return s, n, true
}

func (h *Handler) phaseError(c *gin.Context, err error) {
	if phases.IsPhaseNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
}

// persist saves the live plan after a mutation; persistence failures log
// but do not fail the request, the in-memory state stays authoritative.
func (h *Handler) persist(c *gin.Context, s *session.Session) {
	if err := h.store.SavePlan(c.Request.Context(), s.Manager().Plan()); err != nil {
		logging.S().Errorw("API: failed to persist plan", "plan_id", s.PlanID, "error", err)
	}
}
