package models

import "time"

type User struct {
	ID           int       `gorm:"primary_key" json:"id"`
	RestaurantId string    `gorm:"index;size:64;not null" json:"restaurant_id"`
	Username     string    `gorm:"uniqueIndex;size:100;not null" json:"username" binding:"required"`
	Name         string    `gorm:"size:255" json:"name"`
	Role         string    `gorm:"size:20;not null;default:'staff'" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
