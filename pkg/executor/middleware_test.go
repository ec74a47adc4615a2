package executor

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pewcron/pkg/logx"
)

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestChainOrder(t *testing.T) {
	t.Parallel()

	var trace []string
	mark := func(name string) Middleware {
		return func(ctx context.Context, r Run, next Handler) (any, error) {
			trace = append(trace, name+">")
			v, err := next(ctx)
			trace = append(trace, "<"+name)
			return v, err
		}
	}
	_, _ = Chain(mark("a"), mark("b"))(context.Background(), Run{}, func(context.Context) (any, error) {
		trace = append(trace, "body")
		return nil, nil
	})
	want := []string{"a>", "b>", "body", "<b", "<a"}
	if !reflect.DeepEqual(trace, want) {
		t.Fatalf("order = %v, want %v", trace, want)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	_, err := Timeout(5*time.Millisecond)(context.Background(), Run{}, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := MetricsWithMeter(mp.Meter("test"))

	r := Run{JobID: "j1", FuncRef: "builtin.log"}
	_, _ = m(context.Background(), r, func(context.Context) (any, error) { return nil, nil })
	_, _ = m(context.Background(), r, func(context.Context) (any, error) { return nil, errors.New("x") })

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	dur := findMetric(rm, "pewcron.job.duration")
	if dur == nil {
		t.Fatalf("pewcron.job.duration not recorded")
	}
	if _, ok := dur.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("duration data = %T, want Histogram[float64]", dur.Data)
	}
	exec := findMetric(rm, "pewcron.job.executions")
	if exec == nil {
		t.Fatalf("pewcron.job.executions not recorded")
	}
	sum, ok := exec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("executions data = %T, want Sum[int64]", exec.Data)
	}
	byStatus := map[string]int64{}
	for _, dp := range sum.DataPoints {
		status, _ := dp.Attributes.Value("status")
		byStatus[status.AsString()] += dp.Value
	}
	if byStatus["ok"] != 1 || byStatus["error"] != 1 {
		t.Fatalf("executions by status = %v, want ok=1 error=1", byStatus)
	}
}

func TestTracingMiddleware(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	m := TracingWithTracer(tp.Tracer("test"))

	_, _ = m(context.Background(), Run{JobID: "j1"}, func(context.Context) (any, error) { return nil, errors.New("bad") })

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "pewcron.job.execute" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("span status = %v, want Error", spans[0].Status().Code)
	}
}

func TestPoolAppliesCallerMiddleware(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p := NewPool(PoolConfig{Workers: 1, Middleware: []Middleware{MetricsWithMeter(mp.Meter("test"))}}, logx.Nop())
	c := newCollector()
	_ = p.Start(context.Background(), c.callback)
	defer p.Shutdown(context.Background(), false)

	p.Submit(run("m", fn(func(context.Context) (any, error) { return nil, nil })))
	_ = c.next(t)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if findMetric(rm, "pewcron.job.executions") == nil {
		t.Fatalf("pool did not run caller middleware")
	}
}
