package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/canopyguard/canopy/internal/domain"
)

func TestDrainPolicy_Delay(t *testing.T) {
	p := Default()

	tests := []struct {
		name       string
		retryCount int
		want       time.Duration
	}{
		{name: "no failures yet", retryCount: 0, want: 30 * time.Second},
		{name: "first retry", retryCount: 1, want: time.Minute},
		{name: "second retry", retryCount: 2, want: 2 * time.Minute},
		{name: "fifth retry", retryCount: 5, want: 16 * time.Minute},
		{name: "sixth retry still under cap", retryCount: 6, want: 32 * time.Minute},
		{name: "seventh retry hits cap", retryCount: 7, want: time.Hour},
		{name: "far past cap", retryCount: 50, want: time.Hour},
		{name: "absurdly large count", retryCount: 10_000, want: time.Hour},
		{name: "negative treated as zero", retryCount: -3, want: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Delay(tt.retryCount))
		})
	}
}

func TestDrainPolicy_DelayMonotoneAndCapped(t *testing.T) {
	p := Default()

	prev := time.Duration(0)
	for r := 0; r <= 100; r++ {
		d := p.Delay(r)
		assert.GreaterOrEqual(t, d, prev, "delay decreased at retryCount=%d", r)
		assert.LessOrEqual(t, d, p.BackoffCap, "delay exceeded cap at retryCount=%d", r)
		prev = d
	}
}

func TestDrainPolicy_RetryDue(t *testing.T) {
	p := Default()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		item domain.Item
		want bool
	}{
		{
			name: "never attempted",
			item: domain.Item{RetryCount: 0},
			want: true,
		},
		{
			name: "failed just now",
			item: domain.Item{RetryCount: 1, LastRetryAt: now},
			want: false,
		},
		{
			name: "first retry delay not yet elapsed",
			item: domain.Item{RetryCount: 1, LastRetryAt: now.Add(-59 * time.Second)},
			want: false,
		},
		{
			name: "first retry delay exactly elapsed",
			item: domain.Item{RetryCount: 1, LastRetryAt: now.Add(-time.Minute)},
			want: true,
		},
		{
			name: "first retry delay elapsed",
			item: domain.Item{RetryCount: 1, LastRetryAt: now.Add(-2 * time.Minute)},
			want: true,
		},
		{
			name: "third retry waits eight minutes",
			item: domain.Item{RetryCount: 3, LastRetryAt: now.Add(-5 * time.Minute)},
			want: false,
		},
		{
			name: "capped delay elapsed",
			item: domain.Item{RetryCount: 50, LastRetryAt: now.Add(-61 * time.Minute)},
			want: true,
		},
		{
			name: "zero last retry is always due",
			item: domain.Item{RetryCount: 4},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.RetryDue(tt.item, now))
		})
	}
}
