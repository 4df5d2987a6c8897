package scep

import (
	"testing"
	"time"

	enroll "github.com/trustpoint-io/enrolld"
	"github.com/trustpoint-io/enrolld/internal/db"
)

func record(status enroll.CertStatus, notBefore, notAfter time.Time) *db.Certificate {
	return &db.Certificate{
		Status:    status,
		NotBefore: notBefore,
		NotAfter:  notAfter,
	}
}

func TestRenewalEligible(t *testing.T) {
	now := time.Now()
	days := func(n int) time.Time { return now.AddDate(0, 0, n) }

	tests := []struct {
		name      string
		record    *db.Certificate
		threshold int
		wantOK    bool
	}{
		{
			name:   "half-life passed",
			record: record(enroll.CertStatusIssued, days(-80), days(20)),
			wantOK: true,
		},
		{
			name:   "half-life not reached",
			record: record(enroll.CertStatusIssued, days(-20), days(80)),
			wantOK: false,
		},
		{
			name:   "at the half-life boundary is not eligible",
			record: record(enroll.CertStatusIssued, days(-50), days(51)),
			wantOK: false,
		},
		{
			name:      "within threshold",
			record:    record(enroll.CertStatusIssued, days(-335), days(30)),
			threshold: 30,
			wantOK:    true,
		},
		{
			name:      "outside threshold",
			record:    record(enroll.CertStatusIssued, days(-300), days(65)),
			threshold: 30,
			wantOK:    false,
		},
		{
			name:      "expired never eligible with threshold",
			record:    record(enroll.CertStatusIssued, days(-400), days(-5)),
			threshold: 30,
			wantOK:    false,
		},
		{
			name:      "revoked never eligible with threshold",
			record:    record(enroll.CertStatusRevoked, days(-335), days(30)),
			threshold: 30,
			wantOK:    false,
		},
		{
			name:   "expired is eligible under half-life rule",
			record: record(enroll.CertStatusIssued, days(-400), days(-5)),
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := &enroll.Profile{Name: "p", Enabled: true, RenewalThresholdDays: tt.threshold}

			err := renewalEligible(tt.record, profile)
			if tt.wantOK && err != nil {
				t.Fatalf("expected eligible, got %v", err)
			}
			if !tt.wantOK {
				if err == nil {
					t.Fatal("expected renewal to be rejected")
				}
				if enroll.CodeOf(err) != enroll.RenewalNotEligible {
					t.Fatalf("unexpected failure code for %v", err)
				}
			}
		})
	}
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := daysBetween(a, a.AddDate(0, 0, 30)); got != 30 {
		t.Fatalf("daysBetween = %d, want 30", got)
	}
	if got := daysBetween(a, a.Add(-time.Hour)); got != 0 {
		t.Fatalf("daysBetween = %d, want 0", got)
	}
}
