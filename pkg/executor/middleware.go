package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pewcron/pkg/job"
	"pewcron/pkg/logx"
)

const instrumentationName = "pewcron/pkg/executor"

// Handler runs the rest of the chain.
type Handler func(ctx context.Context) (any, error)

// Middleware wraps a job body. It must call next unless it deliberately
// short-circuits.
type Middleware func(ctx context.Context, r Run, next Handler) (any, error)

// Chain composes middleware; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, r Run, next Handler) (any, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw, inner := mws[i], h
			h = func(ctx context.Context) (any, error) { return mw(ctx, r, inner) }
		}
		return h(ctx)
	}
}

// Recover turns a panic in the body into a *job.ExecutionError carrying
// the stack.
func Recover(log logx.Logger) Middleware {
	return func(ctx context.Context, r Run, next Handler) (v any, err error) {
		defer func() {
			if p := recover(); p != nil {
				stack := string(debug.Stack())
				log.Error("job panicked",
					logx.String("job_id", r.JobID),
					logx.Any("panic", p),
					logx.Stack(stack),
				)
				v = nil
				err = &job.ExecutionError{
					JobID:   r.JobID,
					RunTime: r.RunTime,
					Err:     fmt.Errorf("panic: %v", p),
					Stack:   stack,
				}
			}
		}()
		return next(ctx)
	}
}

// Timeout bounds each call with d; d <= 0 disables it.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, r Run, next Handler) (any, error) {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}

// Metrics records pewcron.job.duration and pewcron.job.executions with the
// global MeterProvider.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

func MetricsWithMeter(meter metric.Meter) Middleware {
	// The API hands back no-op instruments on error.
	duration, _ := meter.Float64Histogram(
		"pewcron.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"pewcron.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, r Run, next Handler) (any, error) {
		start := time.Now()
		v, err := next(ctx)
		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("job_id", r.JobID),
			attribute.String("func", r.FuncRef),
			attribute.String("status", status),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)
		return v, err
	}
}

// Tracing wraps each call in a span from the global TracerProvider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, r Run, next Handler) (any, error) {
		ctx, span := tracer.Start(ctx, "pewcron.job.execute",
			trace.WithAttributes(
				attribute.String("pewcron.job.id", r.JobID),
				attribute.String("pewcron.job.name", r.Name),
				attribute.String("pewcron.job.func", r.FuncRef),
				attribute.String("pewcron.job.run_time", r.RunTime.Format(time.RFC3339Nano)),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		v, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return v, err
	}
}

// runner is the chain shared by the executors: recover outermost, then
// the per-run timeout, then caller middleware, then the body.
type runner struct {
	chain Middleware
}

func newRunner(log logx.Logger, timeout time.Duration, mws []Middleware) runner {
	all := append([]Middleware{Recover(log), Timeout(timeout)}, mws...)
	return runner{chain: Chain(all...)}
}

// call runs r once. Failures come back as *job.ExecutionError.
func (x runner) call(ctx context.Context, r Run) (any, error) {
	v, err := x.chain(ctx, r, func(ctx context.Context) (any, error) {
		if r.Func == nil {
			return nil, fmt.Errorf("%w: %q has no func", job.ErrJobLookup, r.FuncRef)
		}
		return r.Func(ctx, r.Args, r.Kwargs)
	})
	if err == nil {
		return v, nil
	}
	var ee *job.ExecutionError
	if errors.As(err, &ee) {
		return nil, err
	}
	return nil, &job.ExecutionError{JobID: r.JobID, RunTime: r.RunTime, Err: err}
}
