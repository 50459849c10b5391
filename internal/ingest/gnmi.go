package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/floodwatch/floodwatch/internal/config"
	"github.com/floodwatch/floodwatch/internal/metrics"
	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultBackoffMin  = 2 * time.Second
	defaultBackoffMax  = 120 * time.Second

	// SensorStatePath is the subscription root exported by sensor gateways
	SensorStatePath = "/sensors/sensor[id=*]/state"
)

// Leaf names under the sensor state container
const (
	leafWaterLevel  = "water-level"
	leafTemperature = "temperature"
	leafName        = "name"
)

// TargetHealth tracks the connection state of one gateway
type TargetHealth struct {
	Connected      bool      `json:"connected"`
	LastUpdate     time.Time `json:"last_update"`
	LastError      string    `json:"last_error,omitempty"`
	ReconnectCount int       `json:"reconnect_count"`
	UpdateCount    int64     `json:"update_count"`
	SyncReceived   bool      `json:"sync_received"`
	ConnectedSince time.Time `json:"connected_since"`
}

// GNMICollector subscribes to one gateway's sensor state tree and converts
// notifications into readings.
type GNMICollector struct {
	name        string
	target      config.GNMITarget
	interval    time.Duration
	sub         Submitter
	log         zerolog.Logger
	dialTimeout time.Duration
	backoffMin  time.Duration
	backoffMax  time.Duration

	mu     sync.RWMutex
	health TargetHealth
}

// NewGNMICollector creates a collector for a configured target
func NewGNMICollector(name string, target config.GNMITarget, interval time.Duration, sub Submitter, log zerolog.Logger) *GNMICollector {
	return &GNMICollector{
		name:        name,
		target:      target,
		interval:    interval,
		sub:         sub,
		log:         log.With().Str("component", "gnmi").Str("target", name).Logger(),
		dialTimeout: defaultDialTimeout,
		backoffMin:  defaultBackoffMin,
		backoffMax:  defaultBackoffMax,
	}
}

// Name returns the configured target name
func (c *GNMICollector) Name() string {
	return c.name
}

// Health returns the current connection status
func (c *GNMICollector) Health() TargetHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Run keeps a subscription open until ctx is cancelled, reconnecting with
// exponential backoff after failures.
func (c *GNMICollector) Run(ctx context.Context) {
	attempt := 0
	for {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			c.setDisconnected(nil)
			c.log.Info().Msg("gNMI collector stopped")
			return
		}

		// A stream that delivered data resets the backoff.
		if c.Health().SyncReceived {
			attempt = 0
		}
		attempt++
		backoff := c.backoffDuration(attempt)
		c.setDisconnected(err)
		c.log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Int("attempt", attempt).
			Msg("gNMI stream failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// stream dials, subscribes and receives until the stream fails
func (c *GNMICollector) stream(ctx context.Context) error {
	opts, err := c.dialOptions()
	if err != nil {
		return fmt.Errorf("dial options: %w", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	c.log.Info().Str("address", c.target.Address).Msg("connecting to gNMI gateway")
	// WithBlock makes DialContext wait for the connection; otherwise the
	// deferred cancel tears down the in-progress dial.
	conn, err := grpc.DialContext(dialCtx, c.target.Address, append(opts, grpc.WithBlock())...)
	if err != nil {
		return fmt.Errorf("failed to dial gNMI server: %w", err)
	}
	defer conn.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := gnmi.NewGNMIClient(conn).Subscribe(streamCtx)
	if err != nil {
		return fmt.Errorf("failed to create subscribe client: %w", err)
	}
	req, err := c.subscribeRequest()
	if err != nil {
		return err
	}
	if err := client.Send(req); err != nil {
		return fmt.Errorf("failed to start subscription: %w", err)
	}

	c.mu.Lock()
	c.health.Connected = true
	c.health.LastError = ""
	c.health.SyncReceived = false
	c.health.ConnectedSince = time.Now()
	c.mu.Unlock()
	c.log.Info().Str("path", SensorStatePath).Msg("gNMI subscription established")

	for {
		resp, err := client.Recv()
		if err != nil {
			return fmt.Errorf("receive update: %w", err)
		}
		switch v := resp.Response.(type) {
		case *gnmi.SubscribeResponse_Update:
			c.handleNotification(v.Update)
		case *gnmi.SubscribeResponse_Error:
			return fmt.Errorf("subscribe error: %s", v.Error.GetMessage())
		case *gnmi.SubscribeResponse_SyncResponse:
			c.log.Info().Msg("gNMI initial sync complete")
			c.mu.Lock()
			c.health.SyncReceived = true
			c.health.LastUpdate = time.Now()
			c.mu.Unlock()
		}
	}
}

func (c *GNMICollector) setDisconnected(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.Connected = false
	if err != nil {
		c.health.LastError = err.Error()
		c.health.ReconnectCount++
	}
}

func (c *GNMICollector) subscribeRequest() (*gnmi.SubscribeRequest, error) {
	path, err := parsePath(SensorStatePath)
	if err != nil {
		return nil, err
	}
	return &gnmi.SubscribeRequest{
		Request: &gnmi.SubscribeRequest_Subscribe{
			Subscribe: &gnmi.SubscriptionList{
				Subscription: []*gnmi.Subscription{{
					Path:           path,
					Mode:           gnmi.SubscriptionMode_SAMPLE,
					SampleInterval: uint64(c.interval.Nanoseconds()),
				}},
				Mode:     gnmi.SubscriptionList_STREAM,
				Encoding: gnmi.Encoding_JSON,
			},
		},
	}, nil
}

// handleNotification groups leaf updates by sensor id and submits one
// reading per sensor.
func (c *GNMICollector) handleNotification(notif *gnmi.Notification) {
	for _, u := range notif.GetUpdate() {
		c.log.Debug().
			Str("path", pathToString(notif.GetPrefix())+pathToString(u.GetPath())).
			Str("value", typedValueToString(u.GetVal())).
			Msg("gNMI update received")
	}
	readings := NotificationReadings(notif)
	for _, r := range readings {
		if err := c.sub.Submit(r); err != nil {
			c.log.Debug().Err(err).Str("sensor_id", r.SensorID).Msg("reading rejected")
			continue
		}
		metrics.ReadingsReceivedTotal.WithLabelValues(SourceGNMI).Inc()
	}

	c.mu.Lock()
	c.health.LastUpdate = time.Now()
	c.health.UpdateCount++
	c.mu.Unlock()
}

// NotificationReadings converts a gNMI notification into readings. Leaves
// that are absent from the notification are carried as NaN.
func NotificationReadings(notif *gnmi.Notification) []types.Reading {
	if notif == nil {
		return nil
	}
	ts := time.Unix(0, notif.Timestamp).UTC()
	if notif.Timestamp == 0 {
		ts = time.Time{}
	}

	bySensor := make(map[string]*types.Reading)
	var order []string
	for _, u := range notif.Update {
		id, leaf := sensorLeaf(notif.Prefix, u.Path)
		if id == "" || leaf == "" {
			continue
		}
		r, ok := bySensor[id]
		if !ok {
			r = &types.Reading{
				SensorID:    types.NormalizeSensorID(id),
				WaterLevel:  math.NaN(),
				Temperature: math.NaN(),
				SampledAt:   ts,
			}
			bySensor[id] = r
			order = append(order, id)
		}
		switch leaf {
		case leafWaterLevel:
			r.WaterLevel = typedValueToFloat(u.Val)
		case leafTemperature:
			r.Temperature = typedValueToFloat(u.Val)
		case leafName:
			r.Name = typedValueToString(u.Val)
		}
	}

	out := make([]types.Reading, 0, len(order))
	for _, id := range order {
		out = append(out, *bySensor[id])
	}
	return out
}

// sensorLeaf finds the sensor id key and the final leaf name across the
// prefix and update path.
func sensorLeaf(prefix, path *gnmi.Path) (id, leaf string) {
	var elems []*gnmi.PathElem
	if prefix != nil {
		elems = append(elems, prefix.Elem...)
	}
	if path != nil {
		elems = append(elems, path.Elem...)
	}
	for _, e := range elems {
		if e.Name == "sensor" {
			id = e.Key["id"]
		}
	}
	if len(elems) > 0 {
		leaf = elems[len(elems)-1].Name
	}
	return id, leaf
}

// dialOptions builds gRPC dial options
func (c *GNMICollector) dialOptions() ([]grpc.DialOption, error) {
	creds, err := c.transportCredentials()
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if c.target.Username != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&basicAuth{
			username: c.target.Username,
			password: c.target.Password(),
		}))
	}
	return opts, nil
}

func (c *GNMICollector) transportCredentials() (credentials.TransportCredentials, error) {
	if !c.target.TLS {
		return insecure.NewCredentials(), nil
	}
	pool, err := loadCertPool(c.target.CACert)
	if err != nil {
		return nil, err
	}
	certs, err := loadClientCert(c.target.ClientCert, c.target.ClientKey)
	if err != nil {
		return nil, err
	}
	host := c.target.Address
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return credentials.NewTLS(&tls.Config{
		RootCAs:            pool,
		Certificates:       certs,
		ServerName:         host,
		InsecureSkipVerify: c.target.SkipVerify,
	}), nil
}

// loadCertPool loads CA certificates, falling back to the system pool
func loadCertPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return x509.SystemCertPool()
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("invalid ca certs in %s", caFile)
	}
	return pool, nil
}

func loadClientCert(certFile, keyFile string) ([]tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	return []tls.Certificate{cert}, nil
}

// basicAuth sends HTTP basic credentials as gRPC metadata
type basicAuth struct {
	username string
	password string
}

func (b *basicAuth) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(b.username + ":" + b.password))
	return map[string]string{"authorization": "Basic " + auth}, nil
}

func (b *basicAuth) RequireTransportSecurity() bool {
	return false
}

// backoffDuration calculates exponential backoff with jitter
func (c *GNMICollector) backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		return c.backoffMin
	}
	if attempt > 16 {
		attempt = 16
	}
	backoff := c.backoffMin << attempt
	if backoff > c.backoffMax {
		backoff = c.backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(c.backoffMin)))
	return backoff + jitter
}

// parsePath parses "/a/b[k=v]/c" into a gNMI Path
func parsePath(path string) (*gnmi.Path, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("path is empty")
	}
	parts := strings.Split(trimmed, "/")
	elems := make([]*gnmi.PathElem, 0, len(parts))
	for _, part := range parts {
		name, keys, err := parsePathElem(part)
		if err != nil {
			return nil, err
		}
		elems = append(elems, &gnmi.PathElem{Name: name, Key: keys})
	}
	return &gnmi.Path{Elem: elems}, nil
}

func parsePathElem(segment string) (string, map[string]string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "", nil, fmt.Errorf("path segment empty")
	}
	name := segment
	keys := map[string]string{}
	for {
		open := strings.Index(name, "[")
		if open == -1 {
			break
		}
		end := strings.Index(name[open:], "]")
		if end == -1 {
			return "", nil, fmt.Errorf("invalid key selector in %s", segment)
		}
		end += open
		kv := strings.SplitN(name[open+1:end], "=", 2)
		if len(kv) != 2 {
			return "", nil, fmt.Errorf("invalid key selector %s", name[open+1:end])
		}
		keys[kv[0]] = kv[1]
		name = name[:open] + name[end+1:]
	}
	if len(keys) == 0 {
		keys = nil
	}
	return name, keys, nil
}

// pathToString renders a path with sorted keys
func pathToString(path *gnmi.Path) string {
	if path == nil {
		return ""
	}
	var b strings.Builder
	for _, elem := range path.Elem {
		b.WriteString("/")
		b.WriteString(elem.Name)
		keys := make([]string, 0, len(elem.Key))
		for k := range elem.Key {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "[%s=%s]", k, elem.Key[k])
		}
	}
	return b.String()
}

func typedValueToString(value *gnmi.TypedValue) string {
	if value == nil {
		return ""
	}
	switch v := value.Value.(type) {
	case *gnmi.TypedValue_StringVal:
		return v.StringVal
	case *gnmi.TypedValue_AsciiVal:
		return v.AsciiVal
	case *gnmi.TypedValue_JsonVal:
		return strings.Trim(string(v.JsonVal), `"`)
	case *gnmi.TypedValue_JsonIetfVal:
		return strings.Trim(string(v.JsonIetfVal), `"`)
	default:
		f := typedValueToFloat(value)
		if math.IsNaN(f) {
			return ""
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

// typedValueToFloat extracts a numeric leaf; anything else is NaN
func typedValueToFloat(value *gnmi.TypedValue) float64 {
	if value == nil {
		return math.NaN()
	}
	switch v := value.Value.(type) {
	case *gnmi.TypedValue_IntVal:
		return float64(v.IntVal)
	case *gnmi.TypedValue_UintVal:
		return float64(v.UintVal)
	case *gnmi.TypedValue_DoubleVal:
		return v.DoubleVal
	case *gnmi.TypedValue_FloatVal:
		return float64(v.FloatVal)
	case *gnmi.TypedValue_StringVal:
		return parseFloatOrNaN(v.StringVal)
	case *gnmi.TypedValue_JsonVal:
		return parseFloatOrNaN(string(v.JsonVal))
	case *gnmi.TypedValue_JsonIetfVal:
		return parseFloatOrNaN(string(v.JsonIetfVal))
	default:
		return math.NaN()
	}
}

func parseFloatOrNaN(s string) float64 {
	f, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(s), `"`), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
