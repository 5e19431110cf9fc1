package possync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/toyiyo/nimble-pnl-sub020/config"
	"github.com/toyiyo/nimble-pnl-sub020/models"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// webhookEvent is the provider-agnostic slice of a webhook body this service
// cares about. Providers name these fields differently; alternates are folded
// in after decode.
type webhookEvent struct {
	EventId    string `json:"eventId"`
	Id         string `json:"id"`
	MerchantId string `json:"merchantId"`
	Merchant   string `json:"merchant_id"`
	LocationId string `json:"location_id"`
}

func (e *webhookEvent) eventKey() string {
	if e.EventId != "" {
		return e.EventId
	}
	return e.Id
}

func (e *webhookEvent) merchant() string {
	for _, v := range []string{e.MerchantId, e.Merchant, e.LocationId} {
		if v != "" {
			return v
		}
	}
	return ""
}

// WebhookHandler ingests provider change notifications. It always answers 200:
// a non-2xx makes providers retry aggressively and eventually disable the
// endpoint, and polling will catch anything dropped here. Deliveries are
// deduped durably before any work is queued.
func WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := strings.TrimSpace(c.Param("provider"))
		logger := config.GetLogger().WithField("provider", provider)

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}

		if !models.IsValidPosProvider(provider) {
			logger.Warn("webhook for unknown provider")
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}

		var event webhookEvent
		if err := json.Unmarshal(body, &event); err != nil || event.merchant() == "" || event.eventKey() == "" {
			logger.Warn("webhook payload missing merchant or event id")
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}

		if err := handleWebhookEvent(c.Request.Context(), provider, &event); err != nil {
			logger.WithError(err).Warn("webhook processing failed")
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func handleWebhookEvent(ctx context.Context, provider string, event *webhookEvent) error {
	// Merchant id to connection: webhook deliveries are unauthenticated
	// tenant-wise, so the lookup crosses tenants deliberately and the
	// resolved connection pins the restaurant from then on.
	lookupCtx := utils.SetSkipTenantScopeInContext(ctx, true)
	db := config.GetDB()
	if db == nil {
		return errors.New("db is nil")
	}

	var conn models.PosConnection
	err := db.WithContext(lookupCtx).
		Where("provider = ? AND merchant_id = ? AND status = ?",
			provider, event.merchant(), models.ConnectionStatusConnected).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	tenantCtx := utils.SetRestaurantIdInContext(ctx, conn.RestaurantId)
	handlerName := "webhook_" + provider
	skip, err := BeginIdempotency(db.WithContext(tenantCtx), conn.RestaurantId, handlerName, event.eventKey())
	if err != nil {
		if errors.Is(err, ErrIdempotencyInProgress) {
			return nil
		}
		return err
	}
	if skip {
		return nil
	}

	run := models.PosSyncRun{
		RestaurantId: conn.RestaurantId,
		ConnectionId: conn.ID,
		Provider:     conn.Provider,
		Status:       models.SyncRunStatusQueued,
		TriggeredBy:  models.SyncTriggeredWebhook,
	}
	if err := db.WithContext(tenantCtx).Create(&run).Error; err != nil {
		_ = MarkIdempotencyFailed(db.WithContext(tenantCtx), conn.RestaurantId, handlerName, event.eventKey(), err)
		return err
	}
	if err := PublishSyncRun(tenantCtx, run.ID, conn.RestaurantId, conn.ID); err != nil {
		// The queued row survives; a scheduled tick or operator retry can
		// still pick the change up.
		config.GetLogger().WithFields(logrus.Fields{
			"provider": provider,
			"run_id":   run.ID,
		}).WithError(err).Warn("could not queue webhook sync run")
	}
	return MarkIdempotencySucceeded(db.WithContext(tenantCtx), conn.RestaurantId, handlerName, event.eventKey())
}
