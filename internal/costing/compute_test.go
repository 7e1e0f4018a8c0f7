package costing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func TestParseMethod(t *testing.T) {
	for _, valid := range []string{"none", "last_cost", "weighted_average", "fifo"} {
		method, err := ParseMethod(valid)
		require.NoError(t, err)
		require.Equal(t, Method(valid), method)
	}
	_, err := ParseMethod("lifo")
	require.Error(t, err)
	_, err = ParseMethod("")
	require.Error(t, err)
}

func TestWeightedAverage(t *testing.T) {
	cases := []struct {
		name         string
		existingQty  int64
		existingCost string
		receivedQty  int64
		receiptCost  string
		want         string
	}{
		{"equal quantities blend evenly", 10, "5.00", 10, "7.00", "6.00"},
		{"zero existing takes receipt cost", 0, "5.00", 10, "7.35", "7.35"},
		{"negative existing takes receipt cost", -3, "5.00", 10, "7.35", "7.35"},
		{"uneven blend rounds to cents", 3, "1.00", 1, "2.00", "1.25"},
		{"large receipt dominates", 1, "100.00", 99, "1.00", "1.99"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := WeightedAverage(tc.existingQty, d(tc.existingCost), tc.receivedQty, d(tc.receiptCost))
			require.True(t, got.Equal(d(tc.want)), "got %s want %s", got, tc.want)
		})
	}
}

func layersFixture() []Layer {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Layer{
		{ID: 1, UnitCost: d("2.00"), Remaining: 5, ReceivedAt: base},
		{ID: 2, UnitCost: d("3.00"), Remaining: 5, ReceivedAt: base.Add(time.Hour)},
	}
}

func TestConsumeLayersOldestFirst(t *testing.T) {
	draws, total, shortfall := ConsumeLayers(layersFixture(), 7)
	require.Zero(t, shortfall)
	require.Len(t, draws, 2)
	require.Equal(t, int64(1), draws[0].LayerID)
	require.Equal(t, int64(5), draws[0].Quantity)
	require.Equal(t, int64(2), draws[1].LayerID)
	require.Equal(t, int64(2), draws[1].Quantity)
	require.True(t, total.Equal(d("16.00")), total.String())

	blended := BlendedUnitCost(total, 7)
	require.True(t, blended.Equal(d("2.2857")), blended.String())
}

func TestConsumeLayersSingleLayer(t *testing.T) {
	draws, total, shortfall := ConsumeLayers(layersFixture(), 3)
	require.Zero(t, shortfall)
	require.Len(t, draws, 1)
	require.Equal(t, int64(3), draws[0].Quantity)
	require.True(t, total.Equal(d("6.00")))
}

func TestConsumeLayersSkipsExhausted(t *testing.T) {
	layers := layersFixture()
	layers[0].Remaining = 0
	draws, total, shortfall := ConsumeLayers(layers, 2)
	require.Zero(t, shortfall)
	require.Len(t, draws, 1)
	require.Equal(t, int64(2), draws[0].LayerID)
	require.True(t, total.Equal(d("6.00")))
}

func TestConsumeLayersShortfallFallsBackToDeepest(t *testing.T) {
	draws, total, shortfall := ConsumeLayers(layersFixture(), 12)
	require.Equal(t, int64(2), shortfall)
	// 5@2 + 5@3 + 2@3 against the deepest layer
	require.True(t, total.Equal(d("31.00")), total.String())
	last := draws[len(draws)-1]
	require.Equal(t, int64(2), last.LayerID)
	require.Equal(t, int64(2), last.Quantity)
}

func TestConsumeLayersNoLayers(t *testing.T) {
	draws, total, shortfall := ConsumeLayers(nil, 4)
	require.Equal(t, int64(4), shortfall)
	require.Empty(t, draws)
	require.True(t, total.IsZero())
}

func TestOldestOpenLayer(t *testing.T) {
	layers := layersFixture()
	oldest, ok := OldestOpenLayer(layers)
	require.True(t, ok)
	require.Equal(t, int64(1), oldest.ID)

	layers[0].Remaining = 0
	oldest, ok = OldestOpenLayer(layers)
	require.True(t, ok)
	require.Equal(t, int64(2), oldest.ID)

	layers[1].Remaining = 0
	_, ok = OldestOpenLayer(layers)
	require.False(t, ok)
}

func TestBlendedUnitCostZeroQuantity(t *testing.T) {
	require.True(t, BlendedUnitCost(d("10.00"), 0).IsZero())
}
