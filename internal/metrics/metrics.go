package metrics

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names
const (
	MeasurementSelection = "endpoint_selection"
	MeasurementCircuit   = "bank_circuit"
	MeasurementDispute   = "dispute"
)

// SelectionPoint is the metric view of one selection decision
type SelectionPoint struct {
	Tier       string
	WeightSet  string
	Success    bool
	Reason     string
	EndpointID string
	Bank       string
	Amount     float64
	Score      float64
	Attempts   int
	Candidates int
	Blocked    int
	At         time.Time
}

// CircuitPoint is one per-bank breaker transition
type CircuitPoint struct {
	Bank        string
	From        string
	To          string
	FailureRate float64
	At          time.Time
}

// DisputePoint is one dispute lifecycle step
type DisputePoint struct {
	Type   string
	Status string
	Method string
	Amount float64
	At     time.Time
}

// Writer turns domain events into InfluxDB points
type Writer struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// Config holds InfluxDB connection settings
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewWriter creates a writer. The connection is lazy; nothing is sent until
// the first point.
func NewWriter(cfg Config) *Writer {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return newWriter(client, client.WriteAPIBlocking(cfg.Org, cfg.Bucket))
}

func newWriter(client influxdb2.Client, w api.WriteAPIBlocking) *Writer {
	return &Writer{client: client, write: w}
}

// Ping checks the server is reachable
func (w *Writer) Ping(ctx context.Context) error {
	ok, err := w.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping influxdb: %w", err)
	}
	if !ok {
		return fmt.Errorf("influxdb is not ready")
	}
	return nil
}

func (w *Writer) WriteSelection(ctx context.Context, p SelectionPoint) error {
	return w.writePoints(ctx, SelectionPointOf(p))
}

func (w *Writer) WriteCircuit(ctx context.Context, p CircuitPoint) error {
	return w.writePoints(ctx, CircuitPointOf(p))
}

func (w *Writer) WriteDispute(ctx context.Context, p DisputePoint) error {
	return w.writePoints(ctx, DisputePointOf(p))
}

func (w *Writer) writePoints(ctx context.Context, points ...*write.Point) error {
	if err := w.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write points: %w", err)
	}
	return nil
}

// Close releases the client
func (w *Writer) Close() {
	if w.client != nil {
		w.client.Close()
	}
}

// SelectionPointOf builds the line-protocol point for a selection
func SelectionPointOf(p SelectionPoint) *write.Point {
	tags := map[string]string{
		"tier":       p.Tier,
		"weight_set": p.WeightSet,
		"success":    fmt.Sprintf("%t", p.Success),
	}
	if p.Reason != "" {
		tags["reason"] = p.Reason
	}
	if p.Bank != "" {
		tags["bank"] = p.Bank
	}

	fields := map[string]interface{}{
		"amount":     p.Amount,
		"attempts":   p.Attempts,
		"candidates": p.Candidates,
		"blocked":    p.Blocked,
	}
	if p.Success {
		fields["score"] = p.Score
		fields["endpoint_id"] = p.EndpointID
	}
	return influxdb2.NewPoint(MeasurementSelection, tags, fields, p.At)
}

func CircuitPointOf(p CircuitPoint) *write.Point {
	return influxdb2.NewPoint(MeasurementCircuit,
		map[string]string{"bank": p.Bank, "from": p.From, "to": p.To},
		map[string]interface{}{"failure_rate": p.FailureRate},
		p.At)
}

func DisputePointOf(p DisputePoint) *write.Point {
	tags := map[string]string{"type": p.Type, "status": p.Status}
	if p.Method != "" {
		tags["method"] = p.Method
	}
	return influxdb2.NewPoint(MeasurementDispute, tags, map[string]interface{}{"amount": p.Amount}, p.At)
}
