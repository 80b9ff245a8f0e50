package webhook

import (
	"testing"

	"github.com/KeyHarbor/server/internal/storage"
)

func TestParseOxaPayEvent(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantStatus storage.PaymentStatus
		wantErr    bool
	}{
		{
			name:       "paid",
			raw:        `{"order_id":"O1","status":"paid","trackId":"T1"}`,
			wantStatus: storage.PaymentCompleted,
		},
		{
			name:       "expired maps to failed",
			raw:        `{"order_id":"O1","status":"expired","trackId":"T1"}`,
			wantStatus: storage.PaymentFailed,
		},
		{
			name:       "intermediate status carries no transition",
			raw:        `{"order_id":"O1","status":"waiting","trackId":"T1"}`,
			wantStatus: "",
		},
		{
			name:    "missing trackId",
			raw:     `{"order_id":"O1","status":"paid"}`,
			wantErr: true,
		},
		{
			name:    "unknown field rejected",
			raw:     `{"order_id":"O1","status":"paid","trackId":"T1","extra":true}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `order_id=O1`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseOxaPayEvent([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOxaPayEvent() error = %v", err)
			}
			if ev.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", ev.Status, tt.wantStatus)
			}
			if ev.TrackID != "T1" {
				t.Errorf("TrackID = %q, want T1", ev.TrackID)
			}
			if string(ev.Raw) != tt.raw {
				t.Error("Raw must preserve the exact received bytes")
			}
		})
	}
}

func TestParsePaylixEvent(t *testing.T) {
	ev, err := ParsePaylixEvent([]byte(`{"status":"COMPLETED","uniqid":"U-9"}`))
	if err != nil {
		t.Fatalf("ParsePaylixEvent() error = %v", err)
	}
	if ev.Status != storage.PaymentCompleted {
		t.Errorf("Status = %s, want completed", ev.Status)
	}
	if ev.TrackID != "U-9" {
		t.Errorf("TrackID = %q, want uniqid value", ev.TrackID)
	}

	if _, err := ParsePaylixEvent([]byte(`{"status":"CANCELED","uniqid":"U-9"}`)); err != nil {
		t.Errorf("CANCELED should parse, error = %v", err)
	}
	if _, err := ParsePaylixEvent([]byte(`{"status":"COMPLETED"}`)); err == nil {
		t.Error("missing uniqid should fail")
	}
	ev, err = ParsePaylixEvent([]byte(`{"status":"PENDING","uniqid":"U-9"}`))
	if err != nil {
		t.Fatalf("intermediate status rejected: %v", err)
	}
	if ev.Status != "" {
		t.Errorf("intermediate status mapped to %q, want no transition", ev.Status)
	}
}
