package ingest

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/rs/zerolog"
)

func TestDecodeForms(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		id    string
		water float64
		temp  float64
	}{
		{"dashboard", `{"sensor_id":"aa:bb","waterLevel":42.5,"temperature":21}`, "AA:BB", 42.5, 21},
		{"snake case", `{"id":"n1","water_level":10,"temperature":5}`, "N1", 10, 5},
		{"mesh", `{"mac":"cc:dd","name":"node","data":[80,30,2]}`, "CC:DD", 80, 30},
		{"mac wins over id", `{"mac":"m1","id":"other","data":[1,2]}`, "M1", 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.body))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("len = %d", len(got))
			}
			r := got[0]
			if r.SensorID != tt.id || r.WaterLevel != tt.water || r.Temperature != tt.temp {
				t.Fatalf("reading = %+v", r)
			}
		})
	}
}

func TestDecodeMissingValuesAreNaN(t *testing.T) {
	got, err := Decode([]byte(`{"mac":"aa","data":[null]}`))
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(got[0].WaterLevel) || !math.IsNaN(got[0].Temperature) {
		t.Fatalf("reading = %+v", got[0])
	}
}

func TestDecodeBatchAndTimestamps(t *testing.T) {
	body := `[
		{"sensor_id":"a","waterLevel":1,"temperature":2,"timestamp":"2024-05-01T10:00:00Z"},
		{"sensor_id":"b","waterLevel":1,"temperature":2,"timestamp":1714557600},
		{"sensor_id":"c","waterLevel":1,"temperature":2,"timestamp":1714557600000}
	]`
	got, err := Decode([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, r := range got {
		if !r.SampledAt.Equal(want) {
			t.Fatalf("%s sampled at %v, want %v", r.SensorID, r.SampledAt, want)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte("  ")); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("blank: %v", err)
	}
	if _, err := Decode([]byte(`{"waterLevel":1}`)); !errors.Is(err, ErrNoSensorID) {
		t.Fatalf("no id: %v", err)
	}
	if _, err := Decode([]byte(`{"sensor_id":`)); err == nil {
		t.Fatal("truncated json accepted")
	}
	if _, err := Decode([]byte(`{"sensor_id":"a","timestamp":"yesterday"}`)); err == nil {
		t.Fatal("bad timestamp accepted")
	}
}

type fakeSubmitter struct {
	mu       sync.Mutex
	readings []types.Reading
	err      error
}

func (f *fakeSubmitter) Submit(r types.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.readings = append(f.readings, r)
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings)
}

func TestHandlePayload(t *testing.T) {
	sub := &fakeSubmitter{}
	n, err := HandlePayload(sub, SourceHTTP, []byte(`[{"mac":"a","data":[1,2]},{"mac":"b","data":[3,4]}]`), zerolog.Nop())
	if err != nil || n != 2 || sub.count() != 2 {
		t.Fatalf("n=%d err=%v count=%d", n, err, sub.count())
	}

	stopped := errors.New("stopped")
	sub.err = stopped
	if _, err := HandlePayload(sub, SourceHTTP, []byte(`{"mac":"a","data":[1,2]}`), zerolog.Nop()); !errors.Is(err, stopped) {
		t.Fatalf("err = %v", err)
	}
}
