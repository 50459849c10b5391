// Package ingest adapts telemetry transports to the engine's Submit entry
// point. Every adapter decodes payloads with Decode and never blocks the
// transport on engine state.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/floodwatch/floodwatch/internal/types"
)

var (
	// ErrEmptyPayload is returned for a blank message body
	ErrEmptyPayload = errors.New("empty payload")
	// ErrNoSensorID is returned when no identity field is present
	ErrNoSensorID = errors.New("payload has no sensor id")
)

// Submitter is the engine's ingestion surface
type Submitter interface {
	Submit(r types.Reading) error
}

// PeerReporter receives connected peer counts from an external source
type PeerReporter interface {
	SetConnectedPeers(n int)
}

// payload accepts both the dashboard form
//
//	{"sensor_id":"AA:BB","name":"node-1","waterLevel":42.5,"temperature":21.0}
//
// and the compact mesh form
//
//	{"mac":"AA:BB","name":"node-1","data":[42.5,21.0,0]}
//
// where data holds water level, temperature and the node's own category.
// The node category is ignored; classification happens in the engine.
type payload struct {
	SensorID    string     `json:"sensor_id"`
	MAC         string     `json:"mac"`
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	WaterLevel  *float64   `json:"waterLevel"`
	WaterLevel2 *float64   `json:"water_level"`
	Temperature *float64   `json:"temperature"`
	Data        []*float64 `json:"data"`
	Timestamp   flexTime   `json:"timestamp"`
}

// Decode parses a single reading or a JSON array of readings. Absent
// measurements are carried as NaN so the engine flags them as stale data.
func Decode(body []byte) ([]types.Reading, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyPayload
	}

	var items []payload
	if body[0] == '[' {
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
	} else {
		var p payload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode reading: %w", err)
		}
		items = []payload{p}
	}

	readings := make([]types.Reading, 0, len(items))
	for i, p := range items {
		r, err := p.reading()
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		readings = append(readings, r)
	}
	return readings, nil
}

func (p payload) reading() (types.Reading, error) {
	id := firstNonEmpty(p.SensorID, p.MAC, p.ID)
	if types.NormalizeSensorID(id) == "" {
		return types.Reading{}, ErrNoSensorID
	}

	water := firstValue(p.WaterLevel, p.WaterLevel2)
	temp := p.Temperature
	if len(p.Data) > 0 {
		water = p.Data[0]
	}
	if len(p.Data) > 1 {
		temp = p.Data[1]
	}

	return types.Reading{
		SensorID:    types.NormalizeSensorID(id),
		Name:        p.Name,
		WaterLevel:  valueOrNaN(water),
		Temperature: valueOrNaN(temp),
		SampledAt:   time.Time(p.Timestamp),
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstValue(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func valueOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// flexTime decodes RFC3339 strings and unix timestamps in seconds or
// milliseconds.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		*t = flexTime(parsed)
		return nil
	}

	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if n <= 0 {
		return nil
	}
	// Values beyond 1e12 can only be milliseconds.
	if n > 1e12 {
		*t = flexTime(time.UnixMilli(int64(n)).UTC())
		return nil
	}
	sec, frac := math.Modf(n)
	*t = flexTime(time.Unix(int64(sec), int64(frac*1e9)).UTC())
	return nil
}
