package evaluator

import (
	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/floodwatch/floodwatch/internal/types"
)

// Result is the outcome of classifying one reading
type Result struct {
	Levels   types.Levels
	Category types.Category
	// Stale is set when a metric was missing or NaN and its previous level was held.
	Stale bool
}

// Classify maps a reading to per-metric levels and an overall category.
// prev carries the levels from the sensor's last classification so that
// leaving a band requires dropping below threshold minus margin.
func Classify(r types.Reading, th config.Thresholds, prev types.Levels) Result {
	var res Result

	water, ok := classifyWater(r.WaterLevel, th, prev.Water)
	if !ok {
		res.Stale = true
	}
	temp, ok := classifyTemperature(r.Temperature, th, prev.Temperature)
	if !ok {
		res.Stale = true
	}

	res.Levels = types.Levels{Water: water, Temperature: temp}
	res.Category = res.Levels.Overall()
	return res
}

// classifyWater returns ok=false when the value is unusable.
// A missing value never improves status: the previous level is held.
func classifyWater(v float64, th config.Thresholds, prev types.Category) (types.Category, bool) {
	if types.Missing(v) {
		return prev, false
	}

	switch {
	case v >= th.CriticalLevel:
		return types.CategoryAlert, true
	case prev == types.CategoryAlert && !below(v, th.CriticalLevel, th):
		return types.CategoryAlert, true
	case v >= th.WarningLevel:
		return types.CategoryWarning, true
	case prev >= types.CategoryWarning && !below(v, th.WarningLevel, th):
		return types.CategoryWarning, true
	default:
		return types.CategoryNormal, true
	}
}

func classifyTemperature(v float64, th config.Thresholds, prev types.Category) (types.Category, bool) {
	if types.Missing(v) {
		return prev, false
	}

	switch {
	case v >= th.TempWarningLevel:
		return types.CategoryWarning, true
	case prev >= types.CategoryWarning && !below(v, th.TempWarningLevel, th):
		return types.CategoryWarning, true
	default:
		return types.CategoryNormal, true
	}
}

// below reports whether v has cleared the hysteresis band under threshold.
func below(v, threshold float64, th config.Thresholds) bool {
	return v < threshold-th.Margin(threshold)
}
