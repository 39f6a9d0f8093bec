package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/acontext-api/internal/assets"
	"github.com/suPer8Hu/acontext-api/internal/common"
)

// GetAsset serves a stored asset to anyone holding a valid signed token.
func (h *Handler) GetAsset(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if h.Signer == nil || h.Assets == nil {
		common.FailErr(c, common.NotFound("asset not found"))
		return
	}
	mime, err := h.Signer.Verify(key, c.Query("token"))
	if err != nil {
		common.FailErr(c, common.AuthError("invalid asset token"))
		return
	}

	rc, size, err := h.Assets.Open(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, assets.ErrNotFound) {
			common.FailErr(c, common.NotFound("asset not found"))
			return
		}
		common.FailErr(c, common.InternalError("open asset", err))
		return
	}
	defer rc.Close()

	if mime == "" {
		mime = "application/octet-stream"
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.DataFromReader(http.StatusOK, size, mime, rc, nil)
}
