package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/acontext-api/internal/common"
)

func (h *Handler) Ping(c *gin.Context) {
	if h.DB != nil {
		sqlDB, err := h.DB.DB()
		if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			common.Fail(c, http.StatusServiceUnavailable, 50301, "database unavailable")
			return
		}
	}
	common.OK(c, gin.H{"msg": "pong"})
}
