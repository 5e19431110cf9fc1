package possync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toyiyo/nimble-pnl-sub020/models"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// Shift4 ticket API. Second-granularity epoch filters, page/pageSize
// pagination, cents amounts, static api_key auth (no token rotation).
type shift4Fetcher struct {
	client *providerClient
}

func newShift4Fetcher() *shift4Fetcher {
	return &shift4Fetcher{client: newProviderClient(models.PosProviderShift4)}
}

func (f *shift4Fetcher) Provider() string { return models.PosProviderShift4 }

func (f *shift4Fetcher) baseURL() string {
	return utils.EnvString("SHIFT4_API_BASE", "https://api.shift4.com")
}

func shift4AuthHeader(apiKey string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(apiKey+":"))
}

type shift4TicketList struct {
	Tickets []shift4Ticket `json:"tickets"`
	HasMore bool           `json:"hasMore"`
}

type shift4Ticket struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	OpenedAt   int64  `json:"openedAt"`
	ClosedAt   int64  `json:"closedAt"`
	Total      int64  `json:"total"`
	Items      []shift4Item `json:"items"`
	Discounts  []shift4Discount `json:"discounts"`
	ServiceFee *shift4Fee `json:"serviceFee"`
	Payments   []shift4Payment `json:"payments"`
}

type shift4Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Quantity int64  `json:"quantity"`
	Price    int64  `json:"price"`
	Voided   bool   `json:"voided"`
}

type shift4Discount struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

type shift4Fee struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

type shift4Payment struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Tax    *int64 `json:"tax"`
	Tip    int64  `json:"tip"`
}

func (f *shift4Fetcher) FetchOrders(ctx context.Context, conn *models.PosConnection, token string, window SyncWindow, page PageToken) (*PageResult, error) {
	pageNum := page.Page
	if pageNum < 1 {
		pageNum = 1
	}
	query := url.Values{}
	query.Set("locationId", conn.MerchantId)
	query.Set("closedFrom", strconv.FormatInt(window.Start.Unix(), 10))
	query.Set("closedTo", strconv.FormatInt(window.End.Unix(), 10))
	query.Set("page", strconv.Itoa(pageNum))
	query.Set("pageSize", strconv.Itoa(defaultPageSize))

	var list shift4TicketList
	err := f.client.doJSON(ctx, apiRequest{
		Method:  "GET",
		URL:     fmt.Sprintf("%s/api/rest/v1/tickets", f.baseURL()),
		Query:   query,
		Headers: map[string]string{"Authorization": shift4AuthHeader(token)},
	}, &list)
	if err != nil {
		return nil, err
	}

	orders := make([]RawOrder, 0, len(list.Tickets))
	for _, t := range list.Tickets {
		orders = append(orders, f.mapTicket(t))
	}
	hasMore := list.HasMore || len(list.Tickets) == defaultPageSize
	return &PageResult{
		Orders:  orders,
		HasMore: hasMore,
		Next:    PageToken{Page: pageNum + 1},
	}, nil
}

func (f *shift4Fetcher) mapTicket(t shift4Ticket) RawOrder {
	payload, _ := json.Marshal(t)
	raw := RawOrder{
		ExternalId: t.ID,
		State:      t.Status,
		CreatedAt:  time.Unix(t.OpenedAt, 0).UTC(),
		Total:      centsToDecimal(t.Total),
		Payload:    payload,
	}
	if t.ClosedAt > 0 {
		closed := time.Unix(t.ClosedAt, 0).UTC()
		raw.ClosedAt = &closed
	}
	for _, item := range t.Items {
		itemPayload, _ := json.Marshal(item)
		qty := item.Quantity
		if qty == 0 {
			qty = 1
		}
		raw.LineItems = append(raw.LineItems, RawLineItem{
			ExternalId: item.ID,
			Name:       item.Name,
			Quantity:   decimal.NewFromInt(qty),
			UnitPrice:  centsToDecimal(item.Price),
			Revenue:    !item.Voided,
			Payload:    itemPayload,
		})
	}
	for _, d := range t.Discounts {
		raw.Discounts = append(raw.Discounts, RawDiscount{
			ExternalId: d.ID,
			Name:       d.Name,
			Amount:     centsToDecimal(d.Amount),
		})
	}
	if t.ServiceFee != nil && t.ServiceFee.Amount != 0 {
		raw.ServiceCharges = append(raw.ServiceCharges, RawServiceCharge{
			ExternalId: t.ServiceFee.ID,
			Name:       t.ServiceFee.Name,
			Amount:     centsToDecimal(t.ServiceFee.Amount),
		})
	}
	return raw
}

func (f *shift4Fetcher) FetchPayments(_ context.Context, _ *models.PosConnection, _ string, order *RawOrder) ([]RawPayment, error) {
	var t shift4Ticket
	if err := json.Unmarshal(order.Payload, &t); err != nil {
		return nil, &ProviderDataError{Provider: models.PosProviderShift4, ExternalId: order.ExternalId, Reason: "payload not a shift4 ticket"}
	}
	var payments []RawPayment
	for _, p := range t.Payments {
		payload, _ := json.Marshal(p)
		rp := RawPayment{
			ExternalId: p.ID,
			Amount:     centsToDecimal(p.Amount),
			TipAmount:  centsToDecimal(p.Tip),
			Payload:    payload,
		}
		if p.Tax != nil {
			rp.HasTax = true
			rp.TaxAmount = centsToDecimal(*p.Tax)
		}
		payments = append(payments, rp)
	}
	return payments, nil
}
