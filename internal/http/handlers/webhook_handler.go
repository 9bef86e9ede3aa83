// Drive webhook handler.
//
// This file exposes the push notification endpoint Google Drive delivers to:
//   - POST /drive/notifications
//
// Drive sends no body worth parsing; everything relevant travels in the
// X-Goog-* headers. The handler assembles them into a Notification, hands it
// to the ingest service, and acknowledges quickly. Drive retries on non-2xx,
// so only authentication failures refuse the delivery.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-call-backend/internal/services"
)

// IngestService processes webhook notifications into stored call items.
type IngestService interface {
	HandleNotification(ctx context.Context, n services.Notification) (*services.IngestReport, error)
}

// Google push notification headers.
const (
	headerChannelID     = "X-Goog-Channel-Id"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceState = "X-Goog-Resource-State"
)

// DriveNotification receives one push delivery and runs a change sync.
// Returns 200 with an outcome report on success, 401 on a bad channel token,
// and 500 when the sync could not run (Drive will redeliver).
func (h *Handlers) DriveNotification(c *gin.Context) {
	n := services.Notification{
		ChannelID:     c.GetHeader(headerChannelID),
		ResourceState: c.GetHeader(headerResourceState),
		Token:         c.GetHeader(headerChannelToken),
	}

	report, err := h.ingestSvc.HandleNotification(c.Request.Context(), n)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidToken):
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "channel token mismatch")
		case errors.Is(err, services.ErrSubscriptionNotFound):
			fail(c, http.StatusConflict, ErrCodeConflict, "no active subscription")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeIngestFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, report)
}
