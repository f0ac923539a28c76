package notify

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lalithlochan/beacon/internal/db"
)

// System default thresholds used when a recipient has not configured one.
var DefaultThresholds = map[db.NotificationType]decimal.Decimal{
	db.TypeStockLow:       decimal.NewFromInt(10),
	db.TypeStockMedium:    decimal.NewFromInt(25),
	db.TypeStockOut:       decimal.NewFromInt(0),
	db.TypeOrderHighValue: decimal.NewFromInt(1000),
}

const (
	metricQuantity = "quantity"
	metricAmount   = "amount"
)

// gate decides per recipient whether a threshold-gated event is delivered at all.
type gate struct {
	metric string
	// required events are rejected when the metric is missing.
	required bool
	// prefType is the preference row whose threshold applies.
	prefType db.NotificationType
	// withDefault falls back to DefaultThresholds when the recipient has no threshold.
	withDefault bool
	// atOrBelow includes recipients when value <= threshold, otherwise value >= threshold.
	atOrBelow bool
}

func gateFor(t db.NotificationType) (gate, bool) {
	switch t {
	case db.TypeStockLow, db.TypeStockMedium, db.TypeStockOut:
		return gate{metric: metricQuantity, required: true, prefType: t, withDefault: true, atOrBelow: true}, true
	case db.TypeOrderHighValue:
		return gate{metric: metricAmount, required: true, prefType: t, withDefault: true}, true
	case db.TypeOrderCreated, db.TypeOrderUpdated:
		return gate{metric: metricAmount, prefType: db.TypeOrderHighValue}, true
	}
	return gate{}, false
}

// threshold returns the limit that applies to a recipient, if any.
func (g gate) threshold(pref *db.Preference) (decimal.Decimal, bool) {
	if pref != nil && pref.Threshold != nil {
		return *pref.Threshold, true
	}
	if g.withDefault {
		d, ok := DefaultThresholds[g.prefType]
		return d, ok
	}
	return decimal.Decimal{}, false
}

// includes reports whether value crosses the recipient's threshold. Recipients
// without an applicable threshold are always included.
func (g gate) includes(value decimal.Decimal, pref *db.Preference) bool {
	limit, ok := g.threshold(pref)
	if !ok {
		return true
	}
	if g.atOrBelow {
		return value.LessThanOrEqual(limit)
	}
	return value.GreaterThanOrEqual(limit)
}

// metricValue reads a numeric metadata entry. present is false when the key is absent.
func metricValue(metadata map[string]any, key string) (value decimal.Decimal, present bool, err error) {
	raw, ok := metadata[key]
	if !ok || raw == nil {
		return decimal.Decimal{}, false, nil
	}

	switch v := raw.(type) {
	case decimal.Decimal:
		return v, true, nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, true, err
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		return d, true, err
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Decimal{}, true, fmt.Errorf("non-finite %v", v)
		}
		return decimal.NewFromFloat(v), true, nil
	case float32:
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, true, fmt.Errorf("non-finite %v", v)
		}
		return decimal.NewFromFloat32(v), true, nil
	case int:
		return decimal.NewFromInt(int64(v)), true, nil
	case int32:
		return decimal.NewFromInt32(v), true, nil
	case int64:
		return decimal.NewFromInt(v), true, nil
	default:
		return decimal.Decimal{}, true, fmt.Errorf("unsupported %T", raw)
	}
}
