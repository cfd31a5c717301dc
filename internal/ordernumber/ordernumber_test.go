package ordernumber

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateFormat(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	number, err := Generate("+62 812-3456-7890", now)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	if !strings.HasPrefix(number, "7890-2024-03-15-") {
		t.Fatalf("number = %q, want prefix 7890-2024-03-15-", number)
	}
	if !IsValid(number) {
		t.Fatalf("generated number %q must be valid", number)
	}
}

func TestGenerateUsesLastFourDigits(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	number, err := Generate("081234567890", now)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if !strings.HasPrefix(number, "7890-") {
		t.Fatalf("number = %q, want prefix 7890-", number)
	}
}

func TestGenerateShortPhone(t *testing.T) {
	if _, err := Generate("no-digits", time.Now()); err == nil {
		t.Fatalf("expected error for phone without digits")
	}
	if _, err := Generate("123", time.Now()); err == nil {
		t.Fatalf("expected error for phone with fewer than 4 digits")
	}
}

func TestGenerateSuffixVaries(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		number, err := Generate("081234567890", now)
		if err != nil {
			t.Fatalf("Generate error: %v", err)
		}
		seen[number] = true
	}

	if len(seen) < 2 {
		t.Fatalf("random suffix does not vary across generations")
	}
}

func TestExtractFromTransactionID(t *testing.T) {
	tests := []struct {
		transactionID string
		wantNumber    string
		wantOK        bool
	}{
		{"7890-2024-03-15-A1B2C3-FULL", "7890-2024-03-15-A1B2C3", true},
		{"7890-2024-03-15-A1B2C3-DP", "7890-2024-03-15-A1B2C3", true},
		{"7890-2024-03-15-A1B2C3-CLEARANCE-1700000000", "7890-2024-03-15-A1B2C3", true},
		{"7890-2024-03-15-A1B2C3-DP-1700000000", "7890-2024-03-15-A1B2C3", true},
		{"garbage", "", false},
	}

	for _, tt := range tests {
		number, ok := ExtractFromTransactionID(tt.transactionID)
		if ok != tt.wantOK || number != tt.wantNumber {
			t.Errorf("ExtractFromTransactionID(%q) = (%q, %v), want (%q, %v)",
				tt.transactionID, number, ok, tt.wantNumber, tt.wantOK)
		}
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		number string
		want   bool
	}{
		{"7890-2024-03-15-A1B2C3", true},
		{"7890-2024-03-15-a1b2c3", false},
		{"789-2024-03-15-A1B2C3", false},
		{"7890-2024-03-15-A1B2", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValid(tt.number); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.number, got, tt.want)
		}
	}
}
