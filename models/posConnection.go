package models

import (
	"context"
	"errors"
	"time"

	"github.com/toyiyo/nimble-pnl-sub020/config"
	"gorm.io/gorm"
)

// PosConnection is the per-restaurant-per-provider credential and sync-state
// row. Token columns hold ciphertext only; plaintext lives in memory for the
// duration of one connection's run and is never persisted or logged.
type PosConnection struct {
	ID           uint   `gorm:"primary_key" json:"id"`
	RestaurantId string `gorm:"uniqueIndex:idx_pos_connection,priority:1;size:64;not null" json:"restaurant_id"`
	Provider     string `gorm:"uniqueIndex:idx_pos_connection,priority:2;size:50;not null" json:"provider"`
	Status       string `gorm:"size:20;not null" json:"status"`
	AuthType     string `gorm:"size:20" json:"auth_type"`

	AccessTokenEnc  string     `gorm:"type:text" json:"-"`
	RefreshTokenEnc string     `gorm:"type:text" json:"-"`
	TokenExpiresAt  *time.Time `json:"token_expires_at"`

	// Provider-side location/merchant identifier, sent as a header or path
	// segment on every order/payment request.
	MerchantId  string `gorm:"size:128" json:"merchant_id"`
	Environment string `gorm:"size:20;default:'production'" json:"environment"`

	// Backfill progress: days-back offset, monotonically non-decreasing until
	// it reaches TargetDays, at which point the connection flips to
	// incremental mode for good.
	SyncCursor      int  `gorm:"not null;default:0" json:"sync_cursor"`
	TargetDays      int  `gorm:"not null;default:90" json:"target_days"`
	InitialSyncDone bool `gorm:"not null;default:false" json:"initial_sync_done"`

	LastError         string     `gorm:"type:text" json:"last_error"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetPosConnection(ctx context.Context, restaurantId string, provider string) (*PosConnection, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	var conn PosConnection
	err := db.WithContext(ctx).
		Where("restaurant_id = ? AND provider = ?", restaurantId, provider).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

// ListPosConnections returns all connections for one restaurant, any status.
func ListPosConnections(ctx context.Context, restaurantId string) ([]PosConnection, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	var conns []PosConnection
	err := db.WithContext(ctx).
		Where("restaurant_id = ?", restaurantId).
		Order("provider").
		Find(&conns).Error
	return conns, err
}

// SelectConnectionsForBulkSync picks up to limit connected rows ordered by
// least-recently-synced so every tenant gets a fair share of scheduled runs.
// NULL last_sync_at sorts first (never-synced connections go to the front).
func SelectConnectionsForBulkSync(ctx context.Context, limit int) ([]PosConnection, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	var conns []PosConnection
	err := db.WithContext(ctx).
		Where("status = ?", ConnectionStatusConnected).
		Order("last_sync_at IS NOT NULL, last_sync_at ASC").
		Limit(limit).
		Find(&conns).Error
	return conns, err
}

// RecordSyncSuccess persists the post-run cursor/status fields after a fully
// successful connection run and clears any previous error.
func (c *PosConnection) RecordSyncSuccess(ctx context.Context, db *gorm.DB, newCursor int, initialSyncDone bool) error {
	now := time.Now()
	updates := map[string]interface{}{
		"sync_cursor":          newCursor,
		"initial_sync_done":    initialSyncDone,
		"status":               ConnectionStatusConnected,
		"last_error":           "",
		"last_sync_at":         now,
		"last_success_sync_at": now,
	}
	return db.WithContext(ctx).Model(&PosConnection{}).
		Where("id = ? AND restaurant_id = ?", c.ID, c.RestaurantId).
		Updates(updates).Error
}

// RecordSyncFailure marks the connection errored without touching the cursor,
// so the next run resumes from the last fully persisted offset.
func (c *PosConnection) RecordSyncFailure(ctx context.Context, db *gorm.DB, runErr error) error {
	now := time.Now()
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return db.WithContext(ctx).Model(&PosConnection{}).
		Where("id = ? AND restaurant_id = ?", c.ID, c.RestaurantId).
		Updates(map[string]interface{}{
			"status":       ConnectionStatusError,
			"last_error":   msg,
			"last_sync_at": now,
		}).Error
}

// SaveRotatedTokens persists freshly encrypted token material after a refresh.
func (c *PosConnection) SaveRotatedTokens(ctx context.Context, db *gorm.DB, accessTokenEnc, refreshTokenEnc string, expiresAt *time.Time) error {
	updates := map[string]interface{}{
		"access_token_enc": accessTokenEnc,
		"token_expires_at": expiresAt,
	}
	if refreshTokenEnc != "" {
		updates["refresh_token_enc"] = refreshTokenEnc
	}
	if err := db.WithContext(ctx).Model(&PosConnection{}).
		Where("id = ? AND restaurant_id = ?", c.ID, c.RestaurantId).
		Updates(updates).Error; err != nil {
		return err
	}
	c.AccessTokenEnc = accessTokenEnc
	if refreshTokenEnc != "" {
		c.RefreshTokenEnc = refreshTokenEnc
	}
	c.TokenExpiresAt = expiresAt
	return nil
}

// Disconnect clears credentials and cascades dependent run/error rows' parent
// status. Order rows are kept: they belong to the restaurant's ledger.
func (c *PosConnection) Disconnect(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Model(&PosConnection{}).
		Where("id = ? AND restaurant_id = ?", c.ID, c.RestaurantId).
		Updates(map[string]interface{}{
			"status":            ConnectionStatusDisconnected,
			"access_token_enc":  "",
			"refresh_token_enc": "",
			"token_expires_at":  nil,
		}).Error
}
