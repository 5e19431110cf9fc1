package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// PosSyncRun is the per-run audit row: one per connection per invocation,
// whether triggered manually, by schedule, by webhook, or by retry.
type PosSyncRun struct {
	ID           uint   `gorm:"primary_key" json:"id"`
	RestaurantId string `gorm:"index;size:64;not null" json:"restaurant_id"`
	ConnectionId uint   `gorm:"index;not null" json:"connection_id"`
	Provider     string `gorm:"index;size:50;not null" json:"provider"`
	Status       string `gorm:"size:20;not null" json:"status"`
	TriggeredBy  string `gorm:"size:20" json:"triggered_by"`

	WindowStart *time.Time `json:"window_start"`
	WindowEnd   *time.Time `json:"window_end"`

	OrdersSynced int    `json:"orders_synced"`
	PagesFetched int    `json:"pages_fetched"`
	ErrorCount   int    `json:"error_count"`
	StatsJSON    []byte `gorm:"type:json" json:"stats"`
	ParentRunId  *uint  `gorm:"index" json:"parent_run_id"`

	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	DurationMs int64      `json:"duration_ms"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// PosSyncError records one skipped record (or one failed stage) within a run,
// raw payload attached for operator replay.
type PosSyncError struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	SyncRunId    uint      `gorm:"index;not null" json:"sync_run_id"`
	RestaurantId string    `gorm:"index;size:64;not null" json:"restaurant_id"`
	EntityType   string    `gorm:"size:50" json:"entity_type"`
	ExternalId   string    `gorm:"size:128" json:"external_id"`
	ErrorCode    string    `gorm:"size:64" json:"error_code"`
	Message      string    `gorm:"type:text" json:"message"`
	PayloadJSON  []byte    `gorm:"type:json" json:"payload"`
	Retryable    bool      `gorm:"default:false" json:"retryable"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreatePosSyncError(ctx context.Context, db *gorm.DB, runId uint, restaurantId string, entityType string, externalId string, code string, message string, payload []byte, retryable bool) error {
	errRec := PosSyncError{
		SyncRunId:    runId,
		RestaurantId: restaurantId,
		EntityType:   entityType,
		ExternalId:   externalId,
		ErrorCode:    code,
		Message:      message,
		PayloadJSON:  payload,
		Retryable:    retryable,
	}
	return db.WithContext(ctx).Create(&errRec).Error
}

func ListPosSyncRuns(ctx context.Context, db *gorm.DB, restaurantId string, provider string, limit int) ([]PosSyncRun, error) {
	q := db.WithContext(ctx).Where("restaurant_id = ?", restaurantId)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	var runs []PosSyncRun
	err := q.Order("id desc").Limit(limit).Find(&runs).Error
	return runs, err
}
