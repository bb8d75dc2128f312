package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/no-man-is-an-island/toshtogo/internal/api/dto"
	"github.com/no-man-is-an-island/toshtogo/internal/core"
)

// RequestWork handles PUT /api/commitments
// Claims one waiting contract matching the filter. Responds 204 when no
// contract qualifies. Idempotent on commitment_id.
func (h *Handler) RequestWork(c *gin.Context) {
	var req dto.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid claim request body", slog.String("error", err.Error()))
		invalidPayload(c, "invalid request body")
		return
	}

	view, err := h.service.RequestWork(
		c.Request.Context(),
		req.CommitmentID,
		core.WorkFilter{JobType: req.Filter.JobType, Tags: req.Filter.Tags},
		req.Agent,
	)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if view == nil {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, view)
}

// Heartbeat handles POST /api/commitments/:commitment_id/heartbeat
// Records worker liveness and returns the continue/cancel instruction.
func (h *Handler) Heartbeat(c *gin.Context) {
	commitmentID, err := uuid.Parse(c.Param("commitment_id"))
	if err != nil {
		invalidPayload(c, "commitment_id must be a valid UUID")
		return
	}

	instruction, err := h.service.Heartbeat(c.Request.Context(), commitmentID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.HeartbeatResponse{Instruction: instruction})
}

// CompleteWork handles PUT /api/commitments/:commitment_id
// Applies the worker-reported result to the claimed contract.
func (h *Handler) CompleteWork(c *gin.Context) {
	commitmentID, err := uuid.Parse(c.Param("commitment_id"))
	if err != nil {
		invalidPayload(c, "commitment_id must be a valid UUID")
		return
	}

	var req dto.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid completion body", slog.String("error", err.Error()))
		invalidPayload(c, "invalid request body")
		return
	}

	result, err := req.ToResult()
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.service.CompleteWork(c.Request.Context(), commitmentID, result); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListAgents handles GET /api/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.service.ListAgents(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	views := make([]dto.AgentView, len(agents))
	for i, agent := range agents {
		views[i] = dto.NewAgentView(agent)
	}
	c.JSON(http.StatusOK, gin.H{"agents": views})
}
