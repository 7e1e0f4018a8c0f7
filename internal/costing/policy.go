package costing

import "fmt"

// Method selects how product cost price reacts to goods receipts.
type Method string

const (
	// MethodNone leaves product cost untouched; receipts are recorded for audit only.
	MethodNone Method = "none"
	// MethodLastCost overwrites product cost with the latest receipt cost.
	MethodLastCost Method = "last_cost"
	// MethodWeightedAverage blends existing stock value with each receipt.
	MethodWeightedAverage Method = "weighted_average"
	// MethodFIFO tracks discrete receipt layers consumed oldest-first.
	MethodFIFO Method = "fifo"
)

// ParseMethod validates a configuration value.
func ParseMethod(value string) (Method, error) {
	switch Method(value) {
	case MethodNone, MethodLastCost, MethodWeightedAverage, MethodFIFO:
		return Method(value), nil
	}
	return "", fmt.Errorf("costing: unknown cost update method %q", value)
}
