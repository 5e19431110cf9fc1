package models

import (
	"context"
	"errors"
	"time"

	"github.com/toyiyo/nimble-pnl-sub020/config"
)

type Restaurant struct {
	ID        string    `gorm:"primary_key;size:64" json:"id"`
	Name      string    `gorm:"index;size:255;not null" json:"name" binding:"required"`
	Email     string    `gorm:"size:255" json:"email"`
	Address   string    `gorm:"type:text" json:"address"`
	// IANA zone name, e.g. "America/Chicago". Drives service-date assignment.
	Timezone  string    `gorm:"size:64;not null;default:'UTC'" json:"timezone"`
	Currency  string    `gorm:"size:3;not null;default:'USD'" json:"currency"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetRestaurantById(ctx context.Context, restaurantId string) (*Restaurant, error) {
	if restaurantId == "" {
		return nil, errors.New("restaurant id is required")
	}

	var restaurant Restaurant
	exists, err := config.GetRedisObject("Restaurant:"+restaurantId, &restaurant)
	if err == nil && exists {
		return &restaurant, nil
	}

	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := db.WithContext(ctx).Where("id = ?", restaurantId).Take(&restaurant).Error; err != nil {
		return nil, err
	}
	_ = config.SetRedisObject("Restaurant:"+restaurantId, restaurant, 10*time.Minute)
	return &restaurant, nil
}

// Location returns the restaurant's configured timezone, falling back to UTC
// when the zone name is missing or unknown.
func (r *Restaurant) Location() *time.Location {
	if r == nil || r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
