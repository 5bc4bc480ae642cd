package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/domain/workflow"
	"github.com/procurio/tender-workflow/internal/engine"
	"github.com/procurio/tender-workflow/internal/service"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	engine    *engine.Engine
	templates *service.TemplateService
	logger    *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(eng *engine.Engine, templates *service.TemplateService, logger *zap.Logger) *Handlers {
	return &Handlers{
		engine:    eng,
		templates: templates,
		logger:    logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Success: true, Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, Response{Success: false, Error: message})
}

// respondError maps the domain error taxonomy to HTTP status codes
func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrInvalidState):
		fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrUnauthorized):
		fail(c, http.StatusForbidden, err.Error())
	case errors.Is(err, workflow.ErrValidation):
		fail(c, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		fail(c, http.StatusInternalServerError, "internal error")
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// StartWorkflowRequest is the body of POST /api/workflows
type StartWorkflowRequest struct {
	TemplateID  int64          `json:"template_id" binding:"required"`
	EntityType  string         `json:"entity_type" binding:"required"`
	EntityID    string         `json:"entity_id" binding:"required"`
	InitiatorID string         `json:"initiator_id" binding:"required"`
	Context     map[string]any `json:"context"`
}

// StartWorkflow handles POST /api/workflows
func (h *Handlers) StartWorkflow(c *gin.Context) {
	var req StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	inst, err := h.engine.StartWorkflow(c.Request.Context(),
		req.TemplateID, req.EntityType, req.EntityID, req.InitiatorID, req.Context)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusCreated, inst)
}

// GetWorkflow handles GET /api/workflows/:id
func (h *Handlers) GetWorkflow(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}

	inst, err := h.engine.GetInstance(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, inst)
}

// GetHistory handles GET /api/workflows/:id/history
func (h *Handlers) GetHistory(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}

	history, err := h.engine.GetHistory(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, history)
}

// ListPending handles GET /api/workflows/pending?principal=
func (h *Handlers) ListPending(c *gin.Context) {
	principal := c.Query("principal")
	if principal == "" {
		fail(c, http.StatusBadRequest, "principal query parameter is required")
		return
	}

	steps, err := h.engine.ListPendingForPrincipal(c.Request.Context(), principal)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, steps)
}

// DecisionRequest is the body of approve and reject calls. StepID is optional;
// when omitted the decision targets the instance's current step.
type DecisionRequest struct {
	StepID      int64  `json:"step_id"`
	PrincipalID string `json:"principal_id" binding:"required"`
	Comments    string `json:"comments"`
	Reason      string `json:"reason"`
}

func (h *Handlers) resolveStepID(c *gin.Context, instanceID int64, req *DecisionRequest) (int64, error) {
	if req.StepID != 0 {
		return req.StepID, nil
	}

	history, err := h.engine.GetHistory(c.Request.Context(), instanceID)
	if err != nil {
		return 0, err
	}
	for _, step := range history.Steps {
		if step.Order == history.Instance.CurrentStepOrder {
			return step.ID, nil
		}
	}
	return 0, workflow.ErrNotFound
}

// ApproveStep handles POST /api/workflows/:id/approve
func (h *Handlers) ApproveStep(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	stepID, err := h.resolveStepID(c, id, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	step, err := h.engine.ApproveStep(c.Request.Context(), stepID, req.PrincipalID, req.Comments)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, step)
}

// RejectStep handles POST /api/workflows/:id/reject
func (h *Handlers) RejectStep(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	stepID, err := h.resolveStepID(c, id, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	step, err := h.engine.RejectStep(c.Request.Context(), stepID, req.PrincipalID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, step)
}

// InstanceActionRequest is the body of escalate, revert and cancel calls
type InstanceActionRequest struct {
	PrincipalID string `json:"principal_id" binding:"required"`
	Reason      string `json:"reason"`
}

// Escalate handles POST /api/workflows/:id/escalate
func (h *Handlers) Escalate(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req InstanceActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	inst, err := h.engine.Escalate(c.Request.Context(), id, req.PrincipalID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, inst)
}

// Revert handles POST /api/workflows/:id/revert
func (h *Handlers) Revert(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req InstanceActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	inst, err := h.engine.Revert(c.Request.Context(), id, req.PrincipalID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, inst)
}

// Cancel handles POST /api/workflows/:id/cancel
func (h *Handlers) Cancel(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req InstanceActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	inst, err := h.engine.CancelWorkflow(c.Request.Context(), id, req.PrincipalID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, inst)
}

// CreateTemplate handles POST /api/templates
func (h *Handlers) CreateTemplate(c *gin.Context) {
	var tpl workflow.WorkflowTemplate
	if err := c.ShouldBindJSON(&tpl); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.templates.Create(c.Request.Context(), &tpl)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusCreated, created)
}

// ListTemplates handles GET /api/templates
func (h *Handlers) ListTemplates(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	templates, err := h.templates.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, templates)
}

// GetTemplate handles GET /api/templates/:id
func (h *Handlers) GetTemplate(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}

	tpl, err := h.templates.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, tpl)
}

// UpdateTemplate handles PUT /api/templates/:id
func (h *Handlers) UpdateTemplate(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var tpl workflow.WorkflowTemplate
	if err := c.ShouldBindJSON(&tpl); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.templates.Update(c.Request.Context(), id, &tpl)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, updated)
}

// DeactivateTemplate handles DELETE /api/templates/:id
func (h *Handlers) DeactivateTemplate(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}

	if err := h.templates.Deactivate(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deactivated": id})
}
