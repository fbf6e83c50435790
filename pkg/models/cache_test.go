package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListOptionsNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   ListOptions
		want ListOptions
	}{
		{"defaults", ListOptions{}, ListOptions{Page: 1, Limit: 20, SortBy: SortLastUsed, Order: "desc"}},
		{"limit clamped", ListOptions{Page: 2, Limit: 500, SortBy: SortHitCount, Order: "asc"}, ListOptions{Page: 2, Limit: 100, SortBy: SortHitCount, Order: "asc"}},
		{"unknown sort", ListOptions{Page: 1, Limit: 5, SortBy: "answers", Order: "sideways"}, ListOptions{Page: 1, Limit: 5, SortBy: SortLastUsed, Order: "desc"}},
		{"page capped", ListOptions{Page: math.MaxInt, Limit: 20}, ListOptions{Page: math.MaxInt / 20, Limit: 20, SortBy: SortLastUsed, Order: "desc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got.Offset(), 0)
		})
	}
}

func TestListOptionsOffset(t *testing.T) {
	assert.Equal(t, 0, ListOptions{Page: 1, Limit: 20}.Offset())
	assert.Equal(t, 40, ListOptions{Page: 3, Limit: 20}.Offset())
	assert.Equal(t, 0, ListOptions{Page: -4, Limit: 20}.Offset())
	assert.Equal(t, math.MaxInt, ListOptions{Page: math.MaxInt/20 + 2, Limit: 20}.Offset())
}
