package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agenthatchery/cradle"
)

// ObservedProvider wraps a cradle.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner cradle.Provider
	inst  *Instruments
}

var _ cradle.Provider = (*ObservedProvider)(nil)

// WrapProvider returns an instrumented provider that emits traces, metrics, and logs.
func WrapProvider(inner cradle.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string  { return o.inner.Name() }
func (o *ObservedProvider) Model() string { return o.inner.Model() }

func (o *ObservedProvider) Complete(ctx context.Context, prompt, system string, temperature float64, maxTokens int) (cradle.Completion, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		AttrLLMModel.String(o.inner.Model()),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Complete(ctx, prompt, system, temperature, maxTokens)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	cost := o.inst.Cost.Calculate(o.inner.Model(), resp.InputTokens, resp.OutputTokens)
	span.SetAttributes(
		AttrTokensInput.Int(resp.InputTokens),
		AttrTokensOutput.Int(resp.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(o.inner.Model()),
		AttrLLMProvider.String(o.inner.Name()),
	)
	o.inst.TokenUsage.Add(ctx, int64(resp.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.inner.Model()),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(resp.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.inner.Model()),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.inner.Model()),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", o.inner.Model()),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.tokens.input", resp.InputTokens),
		otellog.Int("llm.tokens.output", resp.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return resp, err
}
