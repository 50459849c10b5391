package ingest

import (
	"math"
	"testing"
	"time"

	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/rs/zerolog"
)

func sensorPath(id, leaf string) *gnmi.Path {
	return &gnmi.Path{Elem: []*gnmi.PathElem{
		{Name: "sensors"},
		{Name: "sensor", Key: map[string]string{"id": id}},
		{Name: "state"},
		{Name: leaf},
	}}
}

func TestNotificationReadings(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	notif := &gnmi.Notification{
		Timestamp: ts.UnixNano(),
		Update: []*gnmi.Update{
			{Path: sensorPath("aa:01", "water-level"), Val: &gnmi.TypedValue{Value: &gnmi.TypedValue_DoubleVal{DoubleVal: 72.5}}},
			{Path: sensorPath("aa:01", "temperature"), Val: &gnmi.TypedValue{Value: &gnmi.TypedValue_IntVal{IntVal: 21}}},
			{Path: sensorPath("aa:01", "name"), Val: &gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: "bridge"}}},
			{Path: sensorPath("bb:02", "water-level"), Val: &gnmi.TypedValue{Value: &gnmi.TypedValue_JsonIetfVal{JsonIetfVal: []byte("12")}}},
			{Path: &gnmi.Path{Elem: []*gnmi.PathElem{{Name: "system"}}}},
		},
	}

	got := NotificationReadings(notif)
	if len(got) != 2 {
		t.Fatalf("readings = %+v", got)
	}
	a, b := got[0], got[1]
	if a.SensorID != "AA:01" || a.WaterLevel != 72.5 || a.Temperature != 21 || a.Name != "bridge" {
		t.Fatalf("first = %+v", a)
	}
	if !a.SampledAt.Equal(ts) {
		t.Fatalf("sampled at %v", a.SampledAt)
	}
	if b.SensorID != "BB:02" || b.WaterLevel != 12 || !math.IsNaN(b.Temperature) {
		t.Fatalf("second = %+v", b)
	}
}

func TestNotificationReadingsPrefix(t *testing.T) {
	notif := &gnmi.Notification{
		Prefix: &gnmi.Path{Elem: []*gnmi.PathElem{
			{Name: "sensors"},
			{Name: "sensor", Key: map[string]string{"id": "cc"}},
			{Name: "state"},
		}},
		Update: []*gnmi.Update{
			{Path: &gnmi.Path{Elem: []*gnmi.PathElem{{Name: "water-level"}}}, Val: &gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: "n/a"}}},
		},
	}
	got := NotificationReadings(notif)
	if len(got) != 1 || got[0].SensorID != "CC" || !math.IsNaN(got[0].WaterLevel) {
		t.Fatalf("readings = %+v", got)
	}
	if !got[0].SampledAt.IsZero() {
		t.Fatalf("sampled at %v", got[0].SampledAt)
	}
}

func TestParsePath(t *testing.T) {
	p, err := parsePath(SensorStatePath)
	if err != nil {
		t.Fatal(err)
	}
	if got := pathToString(p); got != SensorStatePath {
		t.Fatalf("round trip = %q", got)
	}
	for _, bad := range []string{"", "/", "/a[b/c", "/a[b]/c"} {
		if _, err := parsePath(bad); err == nil {
			t.Errorf("parsePath(%q) accepted", bad)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	c := NewGNMICollector("gw", configTarget(), time.Second, &fakeSubmitter{}, nopLogger())
	for attempt := 1; attempt < 70; attempt++ {
		d := c.backoffDuration(attempt)
		if d < c.backoffMin || d > c.backoffMax+c.backoffMin {
			t.Fatalf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
}

func configTarget() config.GNMITarget {
	return config.GNMITarget{Address: "127.0.0.1:57400"}
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }
