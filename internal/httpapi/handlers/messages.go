package handlers

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/acontext-api/internal/chat"
	"github.com/suPer8Hu/acontext-api/internal/common"
	"github.com/suPer8Hu/acontext-api/internal/httpapi/middleware"
)

// storeMessageReq is the JSON body, and also the "payload" field of a
// multipart request.
type storeMessageReq struct {
	Blob         json.RawMessage `json:"blob"`
	Format       string          `json:"format"`
	KeepThinking bool            `json:"keep_thinking"`
}

func (h *Handler) StoreMessage(c *gin.Context) {
	in, err := h.readStoreRequest(c)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	in.SessionID = c.Param("session_id")

	msg, err := h.ChatSvc.StoreMessage(c.Request.Context(), middleware.ProjectID(c), in)
	if err != nil {
		if msg != nil {
			// stored, but the queue event was not published
			common.FailErrWithData(c, err, msg)
			return
		}
		common.FailErr(c, err)
		return
	}
	common.OK(c, msg)
}

func (h *Handler) readStoreRequest(c *gin.Context) (chat.StoreMessageInput, error) {
	var req storeMessageReq
	// inline base64 files make json bodies as large as uploads
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes)
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBindJSON(&req); err != nil {
			return chat.StoreMessageInput{}, common.ValidationError("invalid json", err)
		}
		return chat.StoreMessageInput{Blob: req.Blob, Format: req.Format, KeepThinking: req.KeepThinking}, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return chat.StoreMessageInput{}, common.ValidationError("invalid multipart form", err)
	}
	payload := form.Value["payload"]
	if len(payload) == 0 {
		return chat.StoreMessageInput{}, common.ValidationError("payload field required", nil)
	}
	if err := json.Unmarshal([]byte(payload[0]), &req); err != nil {
		return chat.StoreMessageInput{}, common.ValidationError("invalid payload json", err)
	}

	files := make(map[string]chat.Upload, len(form.File))
	for field, headers := range form.File {
		if len(headers) == 0 {
			continue
		}
		up, err := readUpload(headers[0])
		if err != nil {
			return chat.StoreMessageInput{}, common.ValidationError("read file "+field, err)
		}
		files[field] = up
	}
	return chat.StoreMessageInput{Blob: req.Blob, Format: req.Format, Files: files, KeepThinking: req.KeepThinking}, nil
}

func readUpload(fh *multipart.FileHeader) (chat.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return chat.Upload{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return chat.Upload{}, err
	}
	return chat.Upload{Filename: fh.Filename, MIME: fh.Header.Get("Content-Type"), Data: data}, nil
}

func (h *Handler) GetMessages(c *gin.Context) {
	in := chat.GetMessagesInput{
		SessionID: c.Param("session_id"),
		Cursor:    c.Query("cursor"),
		Format:    c.Query("format"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			common.FailErr(c, common.ValidationError("invalid limit", err))
			return
		}
		in.Limit = n
	}
	var err error
	if in.TimeDesc, err = queryBool(c, "time_desc"); err != nil {
		common.FailErr(c, err)
		return
	}
	if in.WithAssetPublicURL, err = queryBool(c, "with_asset_public_url"); err != nil {
		common.FailErr(c, err)
		return
	}

	page, err := h.ChatSvc.GetMessages(c.Request.Context(), middleware.ProjectID(c), in)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, page)
}

func queryBool(c *gin.Context, key string) (bool, error) {
	v := c.Query(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, common.ValidationError("invalid "+key, err)
	}
	return b, nil
}

type updateMetaReq struct {
	Meta map[string]any `json:"meta" binding:"required"`
}

func (h *Handler) UpdateMessageMeta(c *gin.Context) {
	var req updateMetaReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, common.ValidationError("invalid json", err))
		return
	}
	msg, err := h.ChatSvc.UpdateMessageMeta(c.Request.Context(), middleware.ProjectID(c),
		c.Param("session_id"), c.Param("message_id"), req.Meta)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, msg)
}
