// Subscription operations handlers.
//
// This file exposes operational endpoints for the Drive push channel:
//   - GET  /subscription        (current channel registration and expiry)
//   - POST /subscription/renew  (force an immediate channel swap)
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-call-backend/internal/services"
)

// SubscriptionService manages the Drive push channel lifecycle.
type SubscriptionService interface {
	Status(ctx context.Context) (*services.SubscriptionStatus, error)
	ForceRenew(ctx context.Context) error
}

// SubscriptionStatus reports the active channel registration.
func (h *Handlers) SubscriptionStatus(c *gin.Context) {
	st, err := h.subSvc.Status(c.Request.Context())
	if err != nil {
		if errors.Is(err, services.ErrSubscriptionNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no subscription registered yet")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, st)
}

// RenewSubscription swaps the push channel immediately, registering one when
// none exists yet.
func (h *Handlers) RenewSubscription(c *gin.Context) {
	if err := h.subSvc.ForceRenew(c.Request.Context()); err != nil {
		fail(c, http.StatusBadGateway, ErrCodeRenewFailed, err.Error())
		return
	}
	st, err := h.subSvc.Status(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, st)
}
