package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/acontext-api/internal/chat"
	"github.com/suPer8Hu/acontext-api/internal/common"
	"github.com/suPer8Hu/acontext-api/internal/httpapi/middleware"
)

func (h *Handler) CreateSession(c *gin.Context) {
	var req chat.CreateSessionInput
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.FailErr(c, common.ValidationError("invalid json", err))
			return
		}
	}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), middleware.ProjectID(c), req)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.ChatSvc.GetSession(c.Request.Context(), middleware.ProjectID(c), c.Param("session_id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), middleware.ProjectID(c), c.Param("session_id")); err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, nil)
}

type updateConfigsReq struct {
	Configs map[string]any `json:"configs" binding:"required"`
}

func (h *Handler) UpdateSessionConfigs(c *gin.Context) {
	var req updateConfigsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, common.ValidationError("invalid json", err))
		return
	}
	sess, err := h.ChatSvc.UpdateConfigs(c.Request.Context(), middleware.ProjectID(c), c.Param("session_id"), req.Configs)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, sess)
}

type connectToSpaceReq struct {
	SpaceID string `json:"space_id" binding:"required"`
}

func (h *Handler) ConnectToSpace(c *gin.Context) {
	var req connectToSpaceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, common.ValidationError("invalid json", err))
		return
	}
	sess, err := h.ChatSvc.ConnectToSpace(c.Request.Context(), middleware.ProjectID(c), c.Param("session_id"), req.SpaceID)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) TokenCounts(c *gin.Context) {
	n, err := h.ChatSvc.TokenCount(c.Request.Context(), middleware.ProjectID(c), c.Param("session_id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"total_tokens": n})
}

func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.ChatSvc.ListTasks(c.Request.Context(), middleware.ProjectID(c), c.Param("session_id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"items": tasks})
}

// Flush blocks until the extraction consumer has processed the session or
// the flush timeout elapses.
func (h *Handler) Flush(c *gin.Context) {
	res, err := h.ChatSvc.Flush(c.Request.Context(), middleware.ProjectID(c), c.Param("session_id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, res)
}
