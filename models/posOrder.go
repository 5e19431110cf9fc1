package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PosOrder is the canonical, provider-agnostic order row. The provider is the
// source of truth: every successful resync overwrites the row last-write-wins.
type PosOrder struct {
	ID              uint   `gorm:"primary_key" json:"id"`
	RestaurantId    string `gorm:"uniqueIndex:idx_pos_order,priority:1;size:64;not null" json:"restaurant_id"`
	Provider        string `gorm:"uniqueIndex:idx_pos_order,priority:2;size:50;not null" json:"provider"`
	ExternalOrderId string `gorm:"uniqueIndex:idx_pos_order,priority:3;size:128;not null" json:"external_order_id"`

	State string `gorm:"size:40" json:"state"`
	// Local calendar date (YYYY-MM-DD) in the restaurant's timezone. This is
	// the grain downstream P&L aggregates on, not the UTC date.
	ServiceDate string `gorm:"index;size:10;not null" json:"service_date"`

	TotalAmount         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	SubtotalAmount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal_amount"`
	TaxAmount           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_amount"`
	TipAmount           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tip_amount"`
	DiscountAmount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_amount"`
	ServiceChargeAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"service_charge_amount"`

	ProviderCreatedAt *time.Time `json:"provider_created_at"`
	ProviderClosedAt  *time.Time `json:"provider_closed_at"`

	// Original provider payload, kept opaque for audit.
	RawPayload []byte `gorm:"type:json" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type PosLineItem struct {
	ID                 uint   `gorm:"primary_key" json:"id"`
	RestaurantId       string `gorm:"uniqueIndex:idx_pos_line_item,priority:1;size:64;not null" json:"restaurant_id"`
	PosOrderId         uint   `gorm:"uniqueIndex:idx_pos_line_item,priority:2;not null" json:"pos_order_id"`
	ExternalLineItemId string `gorm:"uniqueIndex:idx_pos_line_item,priority:3;size:128;not null" json:"external_line_item_id"`

	Name      string          `gorm:"size:255" json:"name"`
	Quantity  decimal.Decimal `gorm:"type:decimal(15,4);default:1" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	// UnitPrice * Quantity for revenue-bearing rows.
	TotalPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_price"`
	// Voided/refunded rows stay for audit but are excluded from revenue math.
	IsRevenue bool `gorm:"not null;default:true" json:"is_revenue"`

	RawPayload []byte `gorm:"type:json" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PosAdjustment is one non-revenue monetary fact (tax, tip, service charge,
// discount). Signed: discounts negative, everything else non-negative. Keyed
// upsert only, never deleted — item_type+external_suffix fully disambiguates
// identity across reruns.
type PosAdjustment struct {
	ID              uint   `gorm:"primary_key" json:"id"`
	RestaurantId    string `gorm:"uniqueIndex:idx_pos_adjustment,priority:1;size:64;not null" json:"restaurant_id"`
	Provider        string `gorm:"uniqueIndex:idx_pos_adjustment,priority:2;size:50;not null" json:"provider"`
	ExternalOrderId string `gorm:"uniqueIndex:idx_pos_adjustment,priority:3;size:128;not null" json:"external_order_id"`
	ItemType        string `gorm:"uniqueIndex:idx_pos_adjustment,priority:4;size:20;not null" json:"item_type"`
	ExternalSuffix  string `gorm:"uniqueIndex:idx_pos_adjustment,priority:5;size:128;not null" json:"external_suffix"`

	// Display name; line-item-linked discounts carry the linked item's name.
	Name       string          `gorm:"size:255" json:"name"`
	TotalPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_price"`

	ServiceDate string `gorm:"index;size:10" json:"service_date"`
	RawPayload  []byte `gorm:"type:json" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpsertPosOrder writes the canonical order row last-write-wins on its natural
// key and backfills order.ID from the surviving row, so callers can attach
// line items regardless of whether the row was inserted or updated.
func UpsertPosOrder(ctx context.Context, db *gorm.DB, order *PosOrder) error {
	if order.RestaurantId == "" {
		return errors.New("restaurant id is required")
	}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "restaurant_id"}, {Name: "provider"}, {Name: "external_order_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "service_date",
			"total_amount", "subtotal_amount", "tax_amount", "tip_amount",
			"discount_amount", "service_charge_amount",
			"provider_created_at", "provider_closed_at", "raw_payload",
			"updated_at",
		}),
	}).Create(order).Error; err != nil {
		return err
	}

	// MySQL does not report the surviving row's id on conflict-update.
	var existing PosOrder
	if err := db.WithContext(ctx).
		Select("id").
		Where("restaurant_id = ? AND provider = ? AND external_order_id = ?",
			order.RestaurantId, order.Provider, order.ExternalOrderId).
		Take(&existing).Error; err != nil {
		return err
	}
	order.ID = existing.ID
	return nil
}

// ReplacePosLineItems makes the stored set exactly equal the provider's
// current set: clear-and-replace inside one transaction so items the provider
// removed do not survive a resync and no orphans are left behind.
func ReplacePosLineItems(ctx context.Context, db *gorm.DB, restaurantId string, posOrderId uint, items []PosLineItem) error {
	if restaurantId == "" {
		return errors.New("restaurant id is required")
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("restaurant_id = ? AND pos_order_id = ?", restaurantId, posOrderId).
			Delete(&PosLineItem{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for i := range items {
			items[i].ID = 0
			items[i].RestaurantId = restaurantId
			items[i].PosOrderId = posOrderId
		}
		return tx.Create(&items).Error
	})
}

// UpsertPosAdjustments conflict-key upserts every adjustment. No deletion:
// identity is stable across reruns, and a vanished source value is written as
// its new amount by the caller rather than removed here.
func UpsertPosAdjustments(ctx context.Context, db *gorm.DB, adjustments []PosAdjustment) error {
	if len(adjustments) == 0 {
		return nil
	}
	for i := range adjustments {
		if adjustments[i].RestaurantId == "" {
			return errors.New("restaurant id is required")
		}
		adjustments[i].ID = 0
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "restaurant_id"}, {Name: "provider"}, {Name: "external_order_id"},
			{Name: "item_type"}, {Name: "external_suffix"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "total_price", "service_date", "raw_payload", "updated_at",
		}),
	}).Create(&adjustments).Error
}

// CountPosLineItems is a test/ops helper for verifying replacement semantics.
func CountPosLineItems(ctx context.Context, db *gorm.DB, restaurantId string, posOrderId uint) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&PosLineItem{}).
		Where("restaurant_id = ? AND pos_order_id = ?", restaurantId, posOrderId).
		Count(&n).Error
	return n, err
}
