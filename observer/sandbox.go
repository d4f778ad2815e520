package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agenthatchery/cradle"
)

// ObservedSandbox wraps a cradle.Sandbox with OTEL instrumentation.
type ObservedSandbox struct {
	inner cradle.Sandbox
	inst  *Instruments
}

var _ cradle.Sandbox = (*ObservedSandbox)(nil)

// WrapSandbox returns an instrumented sandbox that emits traces and metrics.
func WrapSandbox(inner cradle.Sandbox, inst *Instruments) *ObservedSandbox {
	return &ObservedSandbox{inner: inner, inst: inst}
}

func (o *ObservedSandbox) RunCode(ctx context.Context, req cradle.CodeRequest) (cradle.SandboxResult, error) {
	return o.run(ctx, "code", func(ctx context.Context) (cradle.SandboxResult, error) {
		return o.inner.RunCode(ctx, req)
	})
}

func (o *ObservedSandbox) RunShell(ctx context.Context, req cradle.ShellRequest) (cradle.SandboxResult, error) {
	return o.run(ctx, "shell", func(ctx context.Context) (cradle.SandboxResult, error) {
		return o.inner.RunShell(ctx, req)
	})
}

func (o *ObservedSandbox) run(ctx context.Context, kind string, fn func(context.Context) (cradle.SandboxResult, error)) (cradle.SandboxResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "sandbox.run", trace.WithAttributes(
		AttrSandboxKind.String(kind),
	))
	defer span.End()
	start := time.Now()

	res, err := fn(ctx)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if !res.Success {
		status = "failed"
	}

	span.SetAttributes(
		AttrSandboxMethod.String(res.Method),
		AttrSandboxExitCode.Int(res.ExitCode),
	)
	o.inst.SandboxRuns.Add(ctx, 1, metric.WithAttributes(
		AttrSandboxKind.String(kind),
		AttrSandboxMethod.String(res.Method),
		attribute.String("status", status),
	))
	o.inst.SandboxDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrSandboxKind.String(kind),
		AttrSandboxMethod.String(res.Method),
	))

	return res, err
}
