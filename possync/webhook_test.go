package possync

import (
	"encoding/json"
	"testing"
)

func TestWebhookEventMerchantFoldIn(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"camelCase merchantId", `{"merchantId":"M1"}`, "M1"},
		{"snake_case merchant_id", `{"merchant_id":"M2"}`, "M2"},
		{"location_id fallback", `{"location_id":"L1"}`, "L1"},
		{"merchantId wins over location", `{"merchantId":"M1","location_id":"L1"}`, "M1"},
		{"nothing", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e webhookEvent
			if err := json.Unmarshal([]byte(tt.body), &e); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := e.merchant(); got != tt.want {
				t.Errorf("merchant() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWebhookEventKey(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"eventId preferred", `{"eventId":"E1","id":"X"}`, "E1"},
		{"id fallback", `{"id":"X"}`, "X"},
		{"empty", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e webhookEvent
			if err := json.Unmarshal([]byte(tt.body), &e); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := e.eventKey(); got != tt.want {
				t.Errorf("eventKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
