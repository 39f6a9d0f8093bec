package handlers

import (
	"log/slog"

	"gorm.io/gorm"

	"github.com/suPer8Hu/acontext-api/internal/assets"
	"github.com/suPer8Hu/acontext-api/internal/chat"
)

type Handler struct {
	DB      *gorm.DB
	ChatSvc *chat.Service
	Signer  *assets.Signer
	Assets  assets.Store
	Log     *slog.Logger

	// MaxUploadBytes bounds a multipart message request.
	MaxUploadBytes int64
}

func NewHandler(db *gorm.DB, svc *chat.Service, signer *assets.Signer, store assets.Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		DB:             db,
		ChatSvc:        svc,
		Signer:         signer,
		Assets:         store,
		Log:            log.With("component", "http"),
		MaxUploadBytes: 32 << 20,
	}
}
