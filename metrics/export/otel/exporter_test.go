package otel_test

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	authcore "github.com/guardpost/authcore"
	otelexport "github.com/guardpost/authcore/metrics/export/otel"
)

type fakeSource struct {
	snapshot      authcore.MetricsSnapshot
	dropped       uint64
	writeFailures uint64
}

func (f *fakeSource) MetricsSnapshot() authcore.MetricsSnapshot { return f.snapshot }
func (f *fakeSource) AuditDropped() uint64                      { return f.dropped }
func (f *fakeSource) AuditWriteFailures() uint64                { return f.writeFailures }

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	values := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					values[m.Name] = dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					values[m.Name] = dp.Value
				}
			}
		}
	}
	return values
}

func TestExporterObservesCounters(t *testing.T) {
	source := &fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters: map[authcore.MetricID]uint64{
				authcore.MetricLoginSuccess:      11,
				authcore.MetricSessionCreated:    11,
				authcore.MetricAuditWriteFailure: 1,
			},
		},
		dropped:       4,
		writeFailures: 2,
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	exporter, err := otelexport.New(provider.Meter("authcore"), source)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer exporter.Close()

	values := collect(t, reader)
	if got := values["authcore_login_success_total"]; got != 11 {
		t.Fatalf("login success = %d, want 11", got)
	}
	if got := values["authcore_audit_dropped_total"]; got != 4 {
		t.Fatalf("audit dropped = %d, want 4", got)
	}
	// Sink write failures and snapshot failures combine into one series.
	if got := values["authcore_audit_write_failure_total"]; got != 3 {
		t.Fatalf("audit write failures = %d, want 3", got)
	}
}

func TestExporterObservesHistogramBuckets(t *testing.T) {
	source := &fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters: map[authcore.MetricID]uint64{},
			Histograms: map[authcore.MetricID][]uint64{
				authcore.MetricValidateLatency: {2, 0, 1, 0, 0, 0, 0, 5},
			},
		},
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	exporter, err := otelexport.New(provider.Meter("authcore"), source)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer exporter.Close()

	values := collect(t, reader)
	if got := values["authcore_validate_latency_seconds_bucket_le_0_005"]; got != 2 {
		t.Fatalf("first bucket = %d, want 2", got)
	}
	if got := values["authcore_validate_latency_seconds_bucket_le_0_025"]; got != 3 {
		t.Fatalf("third bucket = %d, want 3", got)
	}
	if got := values["authcore_validate_latency_seconds_bucket_le_inf"]; got != 8 {
		t.Fatalf("overflow bucket = %d, want 8", got)
	}
	if got := values["authcore_validate_latency_seconds_count"]; got != 8 {
		t.Fatalf("count = %d, want 8", got)
	}
}

func TestExporterRejectsNilInputs(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	if _, err := otelexport.New(nil, &fakeSource{}); !errors.Is(err, otelexport.ErrNilMeter) {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
	if _, err := otelexport.New(provider.Meter("authcore"), nil); !errors.Is(err, otelexport.ErrNilSource) {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
}

func TestCloseUnregistersCallback(t *testing.T) {
	source := &fakeSource{snapshot: authcore.MetricsSnapshot{
		Counters: map[authcore.MetricID]uint64{authcore.MetricLoginSuccess: 9},
	}}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	exporter, err := otelexport.New(provider.Meter("authcore"), source)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	values := collect(t, reader)
	if _, observed := values["authcore_login_success_total"]; observed {
		t.Fatal("expected no observations after Close")
	}

	// Closing twice and closing a nil exporter are both harmless.
	if err := exporter.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	var nilExporter *otelexport.Exporter
	if err := nilExporter.Close(); err != nil {
		t.Fatalf("nil Close failed: %v", err)
	}
}
