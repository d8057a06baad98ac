package httpserver

import (
	"net/http"
	"time"

	apperrors "github.com/ap2fed/server/internal/errors"
	"github.com/ap2fed/server/pkg/responders"
)

type handlers struct {
	opts Options
}

type healthResponse struct {
	Status        string `json:"status"`
	Role          string `json:"role"`
	DID           string `json:"did"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Role:          h.opts.Cfg.Role,
		DID:           h.opts.Cfg.Identity.DID,
		UptimeSeconds: int64(time.Since(serverStartTime).Seconds()),
	})
}

func (h handlers) didDocument(w http.ResponseWriter, r *http.Request) {
	if h.opts.Document == nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, "identity document not configured")
		return
	}
	responders.JSON(w, http.StatusOK, h.opts.Document)
}
