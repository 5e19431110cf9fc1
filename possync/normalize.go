package possync

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/toyiyo/nimble-pnl-sub020/config"
	"github.com/toyiyo/nimble-pnl-sub020/models"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// centTolerance is the reconciliation slack: one minor currency unit. Partial
// captures, voids and split tenders legitimately drift by a cent.
var centTolerance = decimal.New(1, -2)

// NormalizedOrder is one order's complete write set, ready for the writer.
type NormalizedOrder struct {
	Order       models.PosOrder
	LineItems   []models.PosLineItem
	Adjustments []models.PosAdjustment
	// Non-fatal reconciliation findings, logged and counted but never
	// blocking persistence.
	Warnings []string
}

// NormalizeOrder maps one raw provider order plus its payments into the
// canonical write set. loc is the restaurant's timezone; service_date is the
// local calendar date there, not the UTC date.
func NormalizeOrder(raw *RawOrder, payments []RawPayment, conn *models.PosConnection, loc *time.Location) (*NormalizedOrder, error) {
	if raw.ExternalId == "" {
		return nil, &ProviderDataError{Provider: conn.Provider, ExternalId: "", Reason: "missing external order id"}
	}
	if raw.CreatedAt.IsZero() && raw.ClosedAt == nil {
		return nil, &ProviderDataError{Provider: conn.Provider, ExternalId: raw.ExternalId, Reason: "no created or closed timestamp"}
	}

	serviceDate := serviceDateFor(raw, loc)

	// Revenue subtotal: price x quantity over revenue-bearing rows only.
	revenueSubtotal := decimal.Zero
	lineItems := make([]models.PosLineItem, 0, len(raw.LineItems))
	for _, li := range raw.LineItems {
		qty := li.Quantity
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		lineTotal := li.UnitPrice.Mul(qty)
		if li.Revenue {
			revenueSubtotal = revenueSubtotal.Add(lineTotal)
		}
		lineItems = append(lineItems, models.PosLineItem{
			RestaurantId:       conn.RestaurantId,
			ExternalLineItemId: li.ExternalId,
			Name:               li.Name,
			Quantity:           qty,
			UnitPrice:          li.UnitPrice,
			TotalPrice:         lineTotal,
			IsRevenue:          li.Revenue,
			RawPayload:         li.Payload,
		})
	}

	paymentSum := decimal.Zero
	paymentTax := decimal.Zero
	hasPaymentTax := false
	tipAmount := decimal.Zero
	for _, p := range payments {
		paymentSum = paymentSum.Add(p.Amount)
		tipAmount = tipAmount.Add(p.TipAmount)
		if p.HasTax {
			hasPaymentTax = true
			paymentTax = paymentTax.Add(p.TaxAmount)
		}
	}

	discountAmount := decimal.Zero
	for _, d := range raw.Discounts {
		discountAmount = discountAmount.Add(d.Amount)
	}
	serviceChargeAmount := decimal.Zero
	for _, sc := range raw.ServiceCharges {
		serviceChargeAmount = serviceChargeAmount.Add(sc.Amount)
	}

	taxAmount := deriveTax(raw, paymentSum, paymentTax, hasPaymentTax, revenueSubtotal, serviceChargeAmount, discountAmount)

	order := models.PosOrder{
		RestaurantId:        conn.RestaurantId,
		Provider:            conn.Provider,
		ExternalOrderId:     raw.ExternalId,
		State:               raw.State,
		ServiceDate:         serviceDate,
		TotalAmount:         raw.Total,
		SubtotalAmount:      revenueSubtotal,
		TaxAmount:           taxAmount,
		TipAmount:           tipAmount,
		DiscountAmount:      discountAmount,
		ServiceChargeAmount: serviceChargeAmount,
		ProviderClosedAt:    raw.ClosedAt,
		RawPayload:          raw.Payload,
	}
	if !raw.CreatedAt.IsZero() {
		created := raw.CreatedAt
		order.ProviderCreatedAt = &created
	}

	result := &NormalizedOrder{Order: order, LineItems: lineItems}
	result.Adjustments = buildAdjustments(raw, conn, serviceDate, taxAmount, tipAmount)
	result.Warnings = reconcile(raw, conn, paymentSum)
	return result, nil
}

// serviceDateFor picks the close time when present (the business-day anchor),
// falling back to creation time, and formats the restaurant-local date.
func serviceDateFor(raw *RawOrder, loc *time.Location) string {
	at := raw.CreatedAt
	if raw.ClosedAt != nil {
		at = *raw.ClosedAt
	}
	if loc == nil {
		loc = time.UTC
	}
	return utils.FormatDateOnly(at.In(loc))
}

// deriveTax applies the tax precedence: an explicit tax-removed flag forces
// zero; payment-level tax is authoritative when any payment carries it;
// otherwise tax is derived from the order's arithmetic and floored at zero.
func deriveTax(raw *RawOrder, paymentSum, paymentTax decimal.Decimal, hasPaymentTax bool, revenueSubtotal, serviceCharge, discount decimal.Decimal) decimal.Decimal {
	if raw.TaxRemoved {
		return decimal.Zero
	}
	if hasPaymentTax {
		return paymentTax
	}
	totalForTaxCalc := raw.Total
	if !paymentSum.IsZero() {
		totalForTaxCalc = paymentSum
	}
	derived := totalForTaxCalc.Sub(revenueSubtotal).Sub(serviceCharge).Add(discount)
	if derived.IsNegative() {
		return decimal.Zero
	}
	return derived
}

// buildAdjustments emits one row per non-zero tax/tip/service-charge value and
// one per discount. Discounts are stored negated; a line-item-linked discount
// carries the linked item's display name.
func buildAdjustments(raw *RawOrder, conn *models.PosConnection, serviceDate string, taxAmount, tipAmount decimal.Decimal) []models.PosAdjustment {
	var adjustments []models.PosAdjustment
	add := func(itemType, suffix, name string, amount decimal.Decimal, payload []byte) {
		adjustments = append(adjustments, models.PosAdjustment{
			RestaurantId:    conn.RestaurantId,
			Provider:        conn.Provider,
			ExternalOrderId: raw.ExternalId,
			ItemType:        itemType,
			ExternalSuffix:  suffix,
			Name:            name,
			TotalPrice:      amount,
			ServiceDate:     serviceDate,
			RawPayload:      payload,
		})
	}

	if !taxAmount.IsZero() {
		add(models.AdjustmentTypeTax, "order", "Tax", taxAmount, nil)
	}
	if !tipAmount.IsZero() {
		add(models.AdjustmentTypeTip, "order", "Tip", tipAmount, nil)
	}
	for i, sc := range raw.ServiceCharges {
		if sc.Amount.IsZero() {
			continue
		}
		suffix := sc.ExternalId
		if suffix == "" {
			suffix = "sc-" + strconv.Itoa(i)
		}
		name := sc.Name
		if name == "" {
			name = "Service Charge"
		}
		add(models.AdjustmentTypeServiceCharge, suffix, name, sc.Amount, nil)
	}
	for i, d := range raw.Discounts {
		if d.Amount.IsZero() {
			continue
		}
		suffix := d.ExternalId
		if suffix == "" {
			suffix = "disc-" + strconv.Itoa(i)
		}
		name := d.Name
		if d.LineItemName != "" {
			name = d.LineItemName
		}
		if name == "" {
			name = "Discount"
		}
		add(models.AdjustmentTypeDiscount, suffix, name, d.Amount.Neg(), nil)
	}
	return adjustments
}

// reconcile compares the nominal total against the payment sum when payments
// exist. Drift beyond one cent is a warning, never a failure.
func reconcile(raw *RawOrder, conn *models.PosConnection, paymentSum decimal.Decimal) []string {
	if paymentSum.IsZero() {
		return nil
	}
	diff := raw.Total.Sub(paymentSum).Abs()
	if diff.Cmp(centTolerance) <= 0 {
		return nil
	}
	reconciliationWarningsTotal.WithLabelValues(conn.Provider).Inc()
	msg := "order total " + raw.Total.StringFixed(2) +
		" differs from payment sum " + paymentSum.StringFixed(2) +
		" for order " + raw.ExternalId
	config.GetLogger().WithFields(logrus.Fields{
		"provider":      conn.Provider,
		"restaurant_id": conn.RestaurantId,
		"order_id":      raw.ExternalId,
		"order_total":   raw.Total.StringFixed(2),
		"payment_sum":   paymentSum.StringFixed(2),
	}).Warn("reconciliation mismatch")
	return []string{msg}
}
