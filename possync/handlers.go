package possync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/toyiyo/nimble-pnl-sub020/config"
	"github.com/toyiyo/nimble-pnl-sub020/models"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// StatusHandler returns every connection for the caller's restaurant with its
// sync-state fields, credentials omitted.
func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		restaurantId, err := resolveRestaurantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetRestaurantIdInContext(c.Request.Context(), restaurantId)

		conns, err := models.ListPosConnections(ctx, restaurantId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]ConnectionStatusResponse, 0, len(conns))
		for _, conn := range conns {
			items = append(items, ConnectionStatusResponse{
				Provider:          conn.Provider,
				Status:            conn.Status,
				MerchantId:        conn.MerchantId,
				SyncCursor:        conn.SyncCursor,
				TargetDays:        conn.TargetDays,
				InitialSyncDone:   conn.InitialSyncDone,
				LastError:         conn.LastError,
				LastSyncAt:        formatTime(conn.LastSyncAt),
				LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
			})
		}
		c.JSON(http.StatusOK, gin.H{"connections": items})
	}
}

// ConnectHandler creates or re-activates a provider connection. Credentials
// are encrypted before they touch the database; a reconnect resets the
// backfill cursor so history is re-pulled under the fresh credentials.
func ConnectHandler(cipher CredentialCipher) gin.HandlerFunc {
	return func(c *gin.Context) {
		restaurantId, err := resolveRestaurantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if !models.IsValidPosProvider(req.Provider) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}
		if strings.TrimSpace(req.MerchantId) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "merchantId is required"})
			return
		}

		authType := models.AuthTypeOAuth
		secret := strings.TrimSpace(req.AccessToken)
		if req.Provider == models.PosProviderShift4 {
			authType = models.AuthTypeAPIKey
			secret = strings.TrimSpace(req.APIKey)
		}
		if secret == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "credentials are required"})
			return
		}

		ctx := utils.SetRestaurantIdInContext(c.Request.Context(), restaurantId)

		accessEnc, err := cipher.Encrypt(ctx, secret)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not secure credentials"})
			return
		}
		refreshEnc := ""
		if rt := strings.TrimSpace(req.RefreshToken); rt != "" {
			refreshEnc, err = cipher.Encrypt(ctx, rt)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "could not secure credentials"})
				return
			}
		}

		targetDays := req.TargetDays
		if targetDays <= 0 {
			targetDays = DefaultRunBudget().TargetDaysDefault
		}
		environment := strings.TrimSpace(req.Environment)
		if environment == "" {
			environment = "production"
		}

		db := config.GetDB().WithContext(ctx)
		conn, err := models.GetPosConnection(ctx, restaurantId, req.Provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if conn == nil {
			conn = &models.PosConnection{
				RestaurantId:    restaurantId,
				Provider:        req.Provider,
				Status:          models.ConnectionStatusConnected,
				AuthType:        authType,
				AccessTokenEnc:  accessEnc,
				RefreshTokenEnc: refreshEnc,
				MerchantId:      req.MerchantId,
				Environment:     environment,
				TargetDays:      targetDays,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			update := map[string]interface{}{
				"status":            models.ConnectionStatusConnected,
				"auth_type":         authType,
				"access_token_enc":  accessEnc,
				"refresh_token_enc": refreshEnc,
				"merchant_id":       req.MerchantId,
				"environment":       environment,
				"target_days":       targetDays,
				"sync_cursor":       0,
				"initial_sync_done": false,
				"last_error":        "",
				"updated_at":        time.Now(),
			}
			if err := db.Model(conn).Updates(update).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		restaurantId, err := resolveRestaurantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		provider := strings.TrimSpace(c.Param("provider"))
		if !models.IsValidPosProvider(provider) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}

		ctx := utils.SetRestaurantIdInContext(c.Request.Context(), restaurantId)
		conn, err := models.GetPosConnection(ctx, restaurantId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
		if err := conn.Disconnect(ctx, config.GetDB()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// TriggerSyncHandler runs a manual sync inline and returns the aggregate
// result. restaurantId is required in the body; a missing one is a 400, not a
// silent empty run.
func TriggerSyncHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(req.RestaurantId) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "restaurantId is required"})
			return
		}
		if req.Provider != "" && !models.IsValidPosProvider(req.Provider) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}
		if err := authorizeRestaurant(c, req.RestaurantId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetRestaurantIdInContext(c.Request.Context(), req.RestaurantId)
		resp, err := s.RunRestaurantSync(ctx, &req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// BulkSyncHandler is the scheduled tick endpoint (Cloud Scheduler hits it).
// The response is 200 even on partial failure; details ride in the body.
func BulkSyncHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := utils.SetSkipTenantScopeInContext(c.Request.Context(), true)
		resp, err := s.RunBulkSync(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		restaurantId, err := resolveRestaurantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		provider := strings.TrimSpace(c.Query("provider"))

		ctx := utils.SetRestaurantIdInContext(c.Request.Context(), restaurantId)
		runs, err := models.ListPosSyncRuns(ctx, config.GetDB(), restaurantId, provider, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		restaurantId, err := resolveRestaurantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetRestaurantIdInContext(c.Request.Context(), restaurantId)
		db := config.GetDB().WithContext(ctx)

		var run models.PosSyncRun
		if err := db.Where("id = ? AND restaurant_id = ?", id, restaurantId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.PosSyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Errors:          mapErrors(errs),
		}
		c.JSON(http.StatusOK, resp)
	}
}

// RetrySyncRunHandler queues a fresh run for the same connection with the
// failed run recorded as parent.
func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		restaurantId, err := resolveRestaurantID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetRestaurantIdInContext(c.Request.Context(), restaurantId)
		db := config.GetDB().WithContext(ctx)

		var run models.PosSyncRun
		if err := db.Where("id = ? AND restaurant_id = ?", id, restaurantId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		newRun := models.PosSyncRun{
			RestaurantId: restaurantId,
			ConnectionId: run.ConnectionId,
			Provider:     run.Provider,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredRetry,
			ParentRunId:  &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishSyncRun(c.Request.Context(), newRun.ID, restaurantId, run.ConnectionId)

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

func mapRunToResponse(run models.PosSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:           run.ID,
		Provider:     run.Provider,
		Status:       run.Status,
		TriggeredBy:  run.TriggeredBy,
		StartedAt:    formatTime(run.StartedAt),
		FinishedAt:   formatTime(run.FinishedAt),
		DurationMs:   run.DurationMs,
		OrdersSynced: run.OrdersSynced,
		ErrorCount:   run.ErrorCount,
	}
}

func mapErrors(errs []models.PosSyncError) []SyncErrorResponse {
	items := make([]SyncErrorResponse, 0, len(errs))
	for _, e := range errs {
		items = append(items, SyncErrorResponse{
			ID:         e.ID,
			EntityType: e.EntityType,
			ExternalId: e.ExternalId,
			ErrorCode:  e.ErrorCode,
			Message:    e.Message,
			Retryable:  e.Retryable,
		})
	}
	return items
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// resolveRestaurantID maps the authenticated user to their restaurant. An
// explicit restaurant_id query param is honored for admins and the
// restaurant's own members only.
func resolveRestaurantID(c *gin.Context) (string, error) {
	username, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(username) == "" {
		return "", errors.New("unauthorized")
	}

	restaurantId := strings.TrimSpace(c.Query("restaurant_id"))
	if restaurantId != "" {
		if err := authorizeRestaurant(c, restaurantId); err != nil {
			return "", err
		}
		return restaurantId, nil
	}

	user, err := lookupUser(c.Request.Context(), username)
	if err != nil {
		return "", err
	}
	restaurantId = strings.TrimSpace(user.RestaurantId)
	if restaurantId == "" {
		return "", errors.New("restaurant_id is required")
	}
	return restaurantId, nil
}

func authorizeRestaurant(c *gin.Context, restaurantId string) error {
	username, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok || username == "" {
		return errors.New("unauthorized")
	}
	if restaurantId == "" {
		return errors.New("restaurant_id is required")
	}
	user, err := lookupUser(c.Request.Context(), username)
	if err != nil {
		return err
	}
	if user.Role == models.UserRoleAdmin {
		return nil
	}
	if user.RestaurantId != restaurantId {
		return errors.New("unauthorized")
	}
	return nil
}

func lookupUser(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err == nil && exists {
		return &user, nil
	}
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := db.WithContext(ctx).
		Model(&models.User{}).
		Where("username = ?", username).
		Take(&user).Error; err != nil {
		return nil, errors.New("unauthorized")
	}
	_ = config.SetRedisObject("User:"+username, user, 10*time.Minute)
	return &user, nil
}
