package evaluator

import (
	"math"
	"math/rand"
	"testing"

	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/floodwatch/floodwatch/internal/types"
)

var testThresholds = config.Thresholds{
	WarningLevel:      70,
	CriticalLevel:     75,
	TempWarningLevel:  35,
	HysteresisPercent: 10,
	MinPeers:          1,
}

func reading(water, temp float64) types.Reading {
	return types.Reading{SensorID: "AA:BB", WaterLevel: water, Temperature: temp}
}

func TestClassifyHysteresisScenario(t *testing.T) {
	var prev types.Levels
	steps := []struct {
		water float64
		want  types.Category
	}{
		{80, types.CategoryAlert},
		{70, types.CategoryAlert}, // 70 > 75-7.5
		{60, types.CategoryNormal},
	}
	for i, s := range steps {
		res := Classify(reading(s.water, 20), testThresholds, prev)
		if res.Category != s.want {
			t.Fatalf("step %d water=%v: category = %v, want %v", i, s.water, res.Category, s.want)
		}
		prev = res.Levels
	}
}

func TestClassifyBands(t *testing.T) {
	tests := []struct {
		name  string
		water float64
		temp  float64
		prev  types.Levels
		want  types.Category
	}{
		{"normal", 10, 20, types.Levels{}, types.CategoryNormal},
		{"warning at threshold", 70, 20, types.Levels{}, types.CategoryWarning},
		{"critical at threshold", 75, 20, types.Levels{}, types.CategoryAlert},
		{"alert drops to warning band", 66, 20, types.Levels{Water: types.CategoryAlert}, types.CategoryWarning},
		{"warning held inside margin", 64, 20, types.Levels{Water: types.CategoryWarning}, types.CategoryWarning},
		{"warning leaves below margin", 62.9, 20, types.Levels{Water: types.CategoryWarning}, types.CategoryNormal},
		{"raw threshold not enough", 69.9, 20, types.Levels{Water: types.CategoryWarning}, types.CategoryWarning},
		{"temperature warning", 10, 35, types.Levels{}, types.CategoryWarning},
		{"temperature held", 10, 32, types.Levels{Temperature: types.CategoryWarning}, types.CategoryWarning},
		{"temperature clears", 10, 31, types.Levels{Temperature: types.CategoryWarning}, types.CategoryNormal},
		{"max of metrics", 80, 40, types.Levels{}, types.CategoryAlert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(reading(tt.water, tt.temp), testThresholds, tt.prev)
			if res.Category != tt.want {
				t.Fatalf("category = %v, want %v (levels %+v)", res.Category, tt.want, res.Levels)
			}
			if res.Stale {
				t.Fatal("unexpected stale flag")
			}
		})
	}
}

func TestClassifyMissingValues(t *testing.T) {
	res := Classify(reading(math.NaN(), 20), testThresholds, types.Levels{})
	if res.Category != types.CategoryNormal || !res.Stale {
		t.Fatalf("NaN from normal: %+v", res)
	}

	res = Classify(reading(math.NaN(), 20), testThresholds, types.Levels{Water: types.CategoryAlert})
	if res.Category != types.CategoryAlert || !res.Stale {
		t.Fatalf("NaN must not improve status: %+v", res)
	}

	res = Classify(reading(80, math.Inf(1)), testThresholds, types.Levels{})
	if res.Category != types.CategoryAlert || !res.Stale {
		t.Fatalf("Inf temperature: %+v", res)
	}
}

// Once escalated, a sensor can only de-escalate after crossing threshold minus margin.
func TestClassifyNeverDropsInsideMargin(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var prev types.Levels
	for i := 0; i < 5000; i++ {
		v := 55 + rng.Float64()*30
		res := Classify(reading(v, 20), testThresholds, prev)
		if res.Levels.Water < prev.Water {
			var threshold float64
			switch prev.Water {
			case types.CategoryAlert:
				threshold = testThresholds.CriticalLevel
			case types.CategoryWarning:
				threshold = testThresholds.WarningLevel
			}
			if v >= threshold-testThresholds.Margin(threshold) {
				t.Fatalf("iteration %d: dropped from %v to %v at %v", i, prev.Water, res.Levels.Water, v)
			}
		}
		prev = res.Levels
	}
}
