package models

import (
	"log"

	"github.com/toyiyo/nimble-pnl-sub020/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Restaurant{}, &User{},
		&PosConnection{},
		&PosOrder{}, &PosLineItem{}, &PosAdjustment{},
		&PosSyncRun{}, &PosSyncError{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
