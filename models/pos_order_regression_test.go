package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toyiyo/nimble-pnl-sub020/config"
	"github.com/toyiyo/nimble-pnl-sub020/models"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// Exercises the real MySQL conflict-clause and clear-and-replace paths:
// writing the same payload twice must leave exactly one order row and one
// adjustment row per type, and a shrunken line-item set must not leave
// stragglers behind.
func TestPosOrderWriterIdempotence(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "possync_test")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		t.Fatal("db is nil after ConnectDatabaseWithRetry")
	}
	models.MigrateTable()

	restaurantId := "rest-itest-1"
	ctx = utils.SetRestaurantIdInContext(ctx, restaurantId)

	closed := time.Date(2024, 3, 5, 21, 30, 0, 0, time.UTC)
	order := models.PosOrder{
		RestaurantId:    restaurantId,
		Provider:        models.PosProviderClover,
		ExternalOrderId: "ord-1",
		State:           "locked",
		ServiceDate:     "2024-03-05",
		TotalAmount:     decimal.RequireFromString("100.00"),
		SubtotalAmount:  decimal.RequireFromString("90.00"),
		TaxAmount:       decimal.RequireFromString("10.00"),
		ProviderClosedAt: &closed,
	}
	items := []models.PosLineItem{
		{ExternalLineItemId: "li-1", Name: "Burger", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("20.00"), TotalPrice: decimal.RequireFromString("40.00"), IsRevenue: true},
		{ExternalLineItemId: "li-2", Name: "Fries", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("25.00"), TotalPrice: decimal.RequireFromString("25.00"), IsRevenue: true},
		{ExternalLineItemId: "li-3", Name: "Soda", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("25.00"), TotalPrice: decimal.RequireFromString("25.00"), IsRevenue: true},
	}
	adjustments := []models.PosAdjustment{
		{RestaurantId: restaurantId, Provider: models.PosProviderClover, ExternalOrderId: "ord-1", ItemType: models.AdjustmentTypeTax, ExternalSuffix: "order", Name: "Tax", TotalPrice: decimal.RequireFromString("10.00"), ServiceDate: "2024-03-05"},
		{RestaurantId: restaurantId, Provider: models.PosProviderClover, ExternalOrderId: "ord-1", ItemType: models.AdjustmentTypeDiscount, ExternalSuffix: "disc-1", Name: "Discount", TotalPrice: decimal.RequireFromString("-5.00"), ServiceDate: "2024-03-05"},
	}

	writeAll := func(items []models.PosLineItem) uint {
		o := order
		if err := models.UpsertPosOrder(ctx, db, &o); err != nil {
			t.Fatalf("UpsertPosOrder: %v", err)
		}
		if err := models.ReplacePosLineItems(ctx, db, restaurantId, o.ID, items); err != nil {
			t.Fatalf("ReplacePosLineItems: %v", err)
		}
		adj := make([]models.PosAdjustment, len(adjustments))
		copy(adj, adjustments)
		if err := models.UpsertPosAdjustments(ctx, db, adj); err != nil {
			t.Fatalf("UpsertPosAdjustments: %v", err)
		}
		return o.ID
	}

	// First write, then the identical payload again.
	firstId := writeAll(items)
	secondId := writeAll(items)
	if firstId != secondId {
		t.Fatalf("rerun resolved a different order row: %d vs %d", firstId, secondId)
	}

	var orderCount int64
	if err := db.WithContext(ctx).Model(&models.PosOrder{}).
		Where("restaurant_id = ? AND provider = ? AND external_order_id = ?", restaurantId, models.PosProviderClover, "ord-1").
		Count(&orderCount).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if orderCount != 1 {
		t.Fatalf("order rows = %d, want 1", orderCount)
	}

	n, err := models.CountPosLineItems(ctx, db, restaurantId, firstId)
	if err != nil {
		t.Fatalf("CountPosLineItems: %v", err)
	}
	if n != 3 {
		t.Fatalf("line item rows after identical rerun = %d, want 3", n)
	}

	for _, itemType := range []string{models.AdjustmentTypeTax, models.AdjustmentTypeDiscount} {
		var adjCount int64
		if err := db.WithContext(ctx).Model(&models.PosAdjustment{}).
			Where("restaurant_id = ? AND external_order_id = ? AND item_type = ?", restaurantId, "ord-1", itemType).
			Count(&adjCount).Error; err != nil {
			t.Fatalf("count %s adjustments: %v", itemType, err)
		}
		if adjCount != 1 {
			t.Fatalf("%s adjustment rows = %d, want 1", itemType, adjCount)
		}
	}

	// Provider dropped one line item; the resync must leave exactly the
	// surviving two, no orphans.
	writeAll(items[:2])
	n, err = models.CountPosLineItems(ctx, db, restaurantId, firstId)
	if err != nil {
		t.Fatalf("CountPosLineItems after shrink: %v", err)
	}
	if n != 2 {
		t.Fatalf("line item rows after shrink = %d, want 2", n)
	}
	var gone int64
	if err := db.WithContext(ctx).Model(&models.PosLineItem{}).
		Where("restaurant_id = ? AND pos_order_id = ? AND external_line_item_id = ?", restaurantId, firstId, "li-3").
		Count(&gone).Error; err != nil {
		t.Fatalf("count dropped item: %v", err)
	}
	if gone != 0 {
		t.Fatalf("dropped line item still present")
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("possync-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=possync_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
