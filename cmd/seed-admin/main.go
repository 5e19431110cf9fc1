// seed-admin creates or updates the operations console admin user and prints
// a bearer token for it, so the sync endpoints can be exercised without a
// separate auth service.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/toyiyo/nimble-pnl-sub020/config"
	"github.com/toyiyo/nimble-pnl-sub020/models"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
	"gorm.io/gorm"
)

const (
	adminUsername = "posSyncAdmin"
	adminName     = "POS Sync Admin"
	tokenLifespan = 30 * 24 * time.Hour
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx = utils.SetUsernameInContext(ctx, adminUsername)
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	// The admin user needs a home restaurant; use the first one, creating a
	// placeholder when the database is empty.
	var rest models.Restaurant
	err := db.WithContext(ctx).Model(&models.Restaurant{}).Select("id").First(&rest).Error
	if err == gorm.ErrRecordNotFound {
		rest = models.Restaurant{
			ID:       uuid.NewString(),
			Name:     "Seed Restaurant",
			Timezone: "UTC",
			Currency: "USD",
		}
		if err := db.WithContext(ctx).Create(&rest).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create restaurant: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created restaurant %s\n", rest.ID)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lookup restaurant: %v\n", err)
		os.Exit(1)
	}

	var user models.User
	err = db.WithContext(ctx).Model(&models.User{}).Where("username = ?", adminUsername).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		user = models.User{
			Username:     adminUsername,
			Name:         adminName,
			Role:         models.UserRoleAdmin,
			RestaurantId: rest.ID,
		}
		if err := db.WithContext(ctx).Create(&user).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created admin user: username=%q\n", adminUsername)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
		os.Exit(1)
	} else {
		if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", adminUsername).Updates(map[string]any{
			"name":          adminName,
			"role":          models.UserRoleAdmin,
			"restaurant_id": rest.ID,
		}).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated admin user: username=%q\n", adminUsername)
	}

	token, err := utils.JwtGenerate(user.ID, adminUsername, models.UserRoleAdmin, tokenLifespan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Bearer token (valid %s):\n%s\n", tokenLifespan, token)
}
