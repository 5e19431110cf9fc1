package possync

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toyiyo/nimble-pnl-sub020/models"
)

// NOTE: These tests are intentionally DB-free. They validate the normalization
// semantics on canonical raw inputs; persistence is exercised separately.

func testConn() *models.PosConnection {
	return &models.PosConnection{
		ID:           1,
		RestaurantId: "rest-1",
		Provider:     models.PosProviderClover,
		Status:       models.ConnectionStatusConnected,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func baseOrder() *RawOrder {
	return &RawOrder{
		ExternalId: "order-1",
		State:      "closed",
		CreatedAt:  time.Date(2024, 3, 5, 19, 0, 0, 0, time.UTC),
		Total:      dec("100.00"),
		LineItems: []RawLineItem{
			{ExternalId: "li-1", Name: "Burger", Quantity: dec("2"), UnitPrice: dec("45.00"), Revenue: true},
		},
	}
}

func TestNormalizeOrder_PaymentTaxIsAuthoritative(t *testing.T) {
	raw := baseOrder()
	payments := []RawPayment{
		{ExternalId: "pay-1", Amount: dec("100.00"), HasTax: true, TaxAmount: dec("3.00")},
	}

	got, err := NormalizeOrder(raw, payments, testConn(), time.UTC)
	if err != nil {
		t.Fatalf("NormalizeOrder: %v", err)
	}
	// Payment-sourced tax wins; the arithmetic fallback (100 - 90 = 10)
	// must not run.
	if !got.Order.TaxAmount.Equal(dec("3.00")) {
		t.Fatalf("tax = %s, want 3.00", got.Order.TaxAmount)
	}
}

func TestNormalizeOrder_TaxFallbackFromTotals(t *testing.T) {
	raw := baseOrder()
	payments := []RawPayment{
		{ExternalId: "pay-1", Amount: dec("100.00")},
	}

	got, err := NormalizeOrder(raw, payments, testConn(), time.UTC)
	if err != nil {
		t.Fatalf("NormalizeOrder: %v", err)
	}
	// 100.00 paid - 90.00 revenue subtotal = 10.00
	if !got.Order.TaxAmount.Equal(dec("10.00")) {
		t.Fatalf("tax = %s, want 10.00", got.Order.TaxAmount)
	}
}

func TestNormalizeOrder_TaxRemovedForcesZero(t *testing.T) {
	raw := baseOrder()
	raw.TaxRemoved = true
	payments := []RawPayment{
		{ExternalId: "pay-1", Amount: dec("100.00"), HasTax: true, TaxAmount: dec("3.00")},
	}

	got, err := NormalizeOrder(raw, payments, testConn(), time.UTC)
	if err != nil {
		t.Fatalf("NormalizeOrder: %v", err)
	}
	if !got.Order.TaxAmount.IsZero() {
		t.Fatalf("tax = %s, want 0", got.Order.TaxAmount)
	}
}

func TestNormalizeOrder_FallbackNeverNegative(t *testing.T) {
	raw := baseOrder()
	raw.Total = dec("50.00")
	// Payments below the revenue subtotal would derive negative tax.
	payments := []RawPayment{{ExternalId: "pay-1", Amount: dec("50.00")}}

	got, err := NormalizeOrder(raw, payments, testConn(), time.UTC)
	if err != nil {
		t.Fatalf("NormalizeOrder: %v", err)
	}
	if !got.Order.TaxAmount.IsZero() {
		t.Fatalf("tax = %s, want 0", got.Order.TaxAmount)
	}
}

func TestNormalizeOrder_ReconciliationToleranceOneCent(t *testing.T) {
	tests := []struct {
		name        string
		total       string
		paymentSum  string
		wantWarning bool
	}{
		{"exact match", "50.00", "50.00", false},
		{"one cent off", "50.01", "50.00", false},
		{"two cents off", "50.02", "50.00", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := baseOrder()
			raw.Total = dec(tt.total)
			raw.LineItems = nil
			payments := []RawPayment{{ExternalId: "pay-1", Amount: dec(tt.paymentSum)}}

			got, err := NormalizeOrder(raw, payments, testConn(), time.UTC)
			if err != nil {
				t.Fatalf("NormalizeOrder: %v", err)
			}
			if (len(got.Warnings) > 0) != tt.wantWarning {
				t.Fatalf("warnings = %v, wantWarning = %v", got.Warnings, tt.wantWarning)
			}
			// A mismatch never blocks persistence: the order still carries
			// its nominal total.
			if !got.Order.TotalAmount.Equal(dec(tt.total)) {
				t.Fatalf("total = %s, want %s", got.Order.TotalAmount, tt.total)
			}
		})
	}
}

func TestNormalizeOrder_DiscountStoredNegated(t *testing.T) {
	raw := baseOrder()
	raw.Discounts = []RawDiscount{
		{ExternalId: "disc-1", Name: "Happy Hour", Amount: dec("5.00")},
	}

	got, err := NormalizeOrder(raw, nil, testConn(), time.UTC)
	if err != nil {
		t.Fatalf("NormalizeOrder: %v", err)
	}

	var discount *models.PosAdjustment
	for i := range got.Adjustments {
		if got.Adjustments[i].ItemType == models.AdjustmentTypeDiscount {
			discount = &got.Adjustments[i]
		}
	}
	if discount == nil {
		t.Fatal("no discount adjustment emitted")
	}
	if !discount.TotalPrice.Equal(dec("-5.00")) {
		t.Fatalf("discount total_price = %s, want -5.00", discount.TotalPrice)
	}
	if !got.Order.DiscountAmount.Equal(dec("5.00")) {
		t.Fatalf("order discount_amount = %s, want 5.00", got.Order.DiscountAmount)
	}
}

func TestNormalizeOrder_LineItemLinkedDiscountUsesItemName(t *testing.T) {
	raw := baseOrder()
	raw.Discounts = []RawDiscount{
		{ExternalId: "disc-2", Name: "Combo", Amount: dec("2.00"), LineItemId: "li-1", LineItemName: "Burger"},
	}

	got, err := NormalizeOrder(raw, nil, testConn(), time.UTC)
	if err != nil {
		t.Fatalf("NormalizeOrder: %v", err)
	}
	for _, adj := range got.Adjustments {
		if adj.ItemType == models.AdjustmentTypeDiscount {
			if adj.Name != "Burger" {
				t.Fatalf("discount name = %q, want linked item name Burger", adj.Name)
			}
			return
		}
	}
	t.Fatal("no discount adjustment emitted")
}

func TestNormalizeOrder_ServiceDateUsesRestaurantTimezone(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}

	raw := baseOrder()
	raw.CreatedAt = time.Date(2024, 1, 1, 5, 30, 0, 0, time.UTC)
	raw.ClosedAt = nil

	got, err := NormalizeOrder(raw, nil, testConn(), chicago)
	if err != nil {
		t.Fatalf("NormalizeOrder: %v", err)
	}
	// 2024-01-01 05:30 UTC is still New Year's Eve in Chicago.
	if got.Order.ServiceDate != "2023-12-31" {
		t.Fatalf("service_date = %q, want 2023-12-31", got.Order.ServiceDate)
	}
}

func TestNormalizeOrder_ServiceDatePrefersCloseTime(t *testing.T) {
	raw := baseOrder()
	closed := time.Date(2024, 3, 6, 1, 0, 0, 0, time.UTC)
	raw.ClosedAt = &closed

	got, err := NormalizeOrder(raw, nil, testConn(), time.UTC)
	if err != nil {
		t.Fatalf("NormalizeOrder: %v", err)
	}
	if got.Order.ServiceDate != "2024-03-06" {
		t.Fatalf("service_date = %q, want 2024-03-06", got.Order.ServiceDate)
	}
}

func TestNormalizeOrder_VoidedItemsExcludedFromSubtotal(t *testing.T) {
	raw := baseOrder()
	raw.LineItems = append(raw.LineItems, RawLineItem{
		ExternalId: "li-2", Name: "Voided Beer", Quantity: dec("1"), UnitPrice: dec("8.00"), Revenue: false,
	})

	got, err := NormalizeOrder(raw, nil, testConn(), time.UTC)
	if err != nil {
		t.Fatalf("NormalizeOrder: %v", err)
	}
	if !got.Order.SubtotalAmount.Equal(dec("90.00")) {
		t.Fatalf("subtotal = %s, want 90.00", got.Order.SubtotalAmount)
	}
	// The voided row is still kept for audit.
	if len(got.LineItems) != 2 {
		t.Fatalf("line items = %d, want 2", len(got.LineItems))
	}
	for _, li := range got.LineItems {
		if li.ExternalLineItemId == "li-2" && li.IsRevenue {
			t.Fatal("voided row flagged as revenue")
		}
	}
}

func TestNormalizeOrder_TipAndServiceChargeAdjustments(t *testing.T) {
	raw := baseOrder()
	raw.ServiceCharges = []RawServiceCharge{
		{ExternalId: "sc-1", Name: "Large Party", Amount: dec("7.50")},
	}
	payments := []RawPayment{
		{ExternalId: "pay-1", Amount: dec("100.00"), TipAmount: dec("12.00"), HasTax: true, TaxAmount: dec("4.00")},
	}

	got, err := NormalizeOrder(raw, payments, testConn(), time.UTC)
	if err != nil {
		t.Fatalf("NormalizeOrder: %v", err)
	}

	byType := map[string]decimal.Decimal{}
	for _, adj := range got.Adjustments {
		byType[adj.ItemType] = adj.TotalPrice
	}
	if !byType[models.AdjustmentTypeTip].Equal(dec("12.00")) {
		t.Fatalf("tip adjustment = %s, want 12.00", byType[models.AdjustmentTypeTip])
	}
	if !byType[models.AdjustmentTypeServiceCharge].Equal(dec("7.50")) {
		t.Fatalf("service charge adjustment = %s, want 7.50", byType[models.AdjustmentTypeServiceCharge])
	}
	if !byType[models.AdjustmentTypeTax].Equal(dec("4.00")) {
		t.Fatalf("tax adjustment = %s, want 4.00", byType[models.AdjustmentTypeTax])
	}
}

func TestNormalizeOrder_MissingExternalIdRejected(t *testing.T) {
	raw := baseOrder()
	raw.ExternalId = ""
	if _, err := NormalizeOrder(raw, nil, testConn(), time.UTC); err == nil {
		t.Fatal("expected ProviderDataError for missing external id")
	}
}
