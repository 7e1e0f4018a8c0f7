package costing

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostScale is the number of decimal places kept on stored product cost.
const CostScale = 2

// BlendScale is the precision used for blended per-unit costs on movements.
const BlendScale = 4

// Layer is a FIFO receipt batch as seen by the consumption algorithm.
type Layer struct {
	ID         int64
	UnitCost   decimal.Decimal
	Remaining  int64
	ReceivedAt time.Time
}

// Draw records how many units were taken from a single layer.
type Draw struct {
	LayerID  int64
	Quantity int64
	UnitCost decimal.Decimal
}

// WeightedAverage returns the new product cost after receiving quantity at
// receiptCost on top of existingQty valued at existingCost. The existing
// quantity must be read before the receipt is applied to the stock level.
func WeightedAverage(existingQty int64, existingCost decimal.Decimal, receivedQty int64, receiptCost decimal.Decimal) decimal.Decimal {
	if existingQty <= 0 {
		return receiptCost.Round(CostScale)
	}
	totalQty := decimal.NewFromInt(existingQty + receivedQty)
	if totalQty.IsZero() {
		return receiptCost.Round(CostScale)
	}
	totalValue := decimal.NewFromInt(existingQty).Mul(existingCost).
		Add(decimal.NewFromInt(receivedQty).Mul(receiptCost))
	return totalValue.DivRound(totalQty, CostScale)
}

// ConsumeLayers draws quantity from layers in received order (the caller sorts
// by receivedAt, ties broken by id) and returns the per-layer draws, the total
// cost of the consumed units and any uncovered shortfall. A non-zero shortfall
// means the layer totals have drifted from the stock level; the remainder is
// costed against the deepest layer so the movement can still proceed.
func ConsumeLayers(layers []Layer, quantity int64) (draws []Draw, totalCost decimal.Decimal, shortfall int64) {
	remaining := quantity
	totalCost = decimal.Zero
	for i := range layers {
		if remaining == 0 {
			break
		}
		available := layers[i].Remaining
		if available <= 0 {
			continue
		}
		take := available
		if take > remaining {
			take = remaining
		}
		draws = append(draws, Draw{LayerID: layers[i].ID, Quantity: take, UnitCost: layers[i].UnitCost})
		totalCost = totalCost.Add(decimal.NewFromInt(take).Mul(layers[i].UnitCost))
		remaining -= take
	}
	if remaining > 0 {
		shortfall = remaining
		if len(layers) > 0 {
			deepest := layers[len(layers)-1]
			draws = append(draws, Draw{LayerID: deepest.ID, Quantity: remaining, UnitCost: deepest.UnitCost})
			totalCost = totalCost.Add(decimal.NewFromInt(remaining).Mul(deepest.UnitCost))
		}
	}
	return draws, totalCost, shortfall
}

// BlendedUnitCost divides a total cost over a quantity.
func BlendedUnitCost(totalCost decimal.Decimal, quantity int64) decimal.Decimal {
	if quantity == 0 {
		return decimal.Zero
	}
	return totalCost.DivRound(decimal.NewFromInt(quantity), BlendScale)
}

// OldestOpenLayer returns the first layer with remaining quantity, or false
// when every layer is exhausted. Layers must already be in received order.
func OldestOpenLayer(layers []Layer) (Layer, bool) {
	for _, layer := range layers {
		if layer.Remaining > 0 {
			return layer, true
		}
	}
	return Layer{}, false
}
