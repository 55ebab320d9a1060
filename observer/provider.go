package observer

import (
	"context"
	"time"

	cadence "github.com/maelin/cadence"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedStreamer wraps a ChatStreamer with traces and metrics.
type ObservedStreamer struct {
	inner cadence.ChatStreamer
	inst  *Instruments
}

// NewObservedStreamer instruments a conversational model backend.
func NewObservedStreamer(inner cadence.ChatStreamer, inst *Instruments) *ObservedStreamer {
	return &ObservedStreamer{inner: inner, inst: inst}
}

func (o *ObservedStreamer) Name() string { return o.inner.Name() }

func (o *ObservedStreamer) ChatStream(ctx context.Context, req cadence.ChatRequest, ch chan<- string) (cadence.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMMethod.String("chat_stream"),
	))
	defer span.End()

	chunks := 0
	counted := make(chan string, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range counted {
			chunks++
			ch <- chunk
		}
	}()

	start := time.Now()
	resp, err := o.inner.ChatStream(ctx, req, counted)
	close(counted)
	<-done

	elapsed := float64(time.Since(start).Milliseconds())
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(AttrLLMMethod.String("chat_stream")))
	o.inst.LLMDuration.Record(ctx, elapsed, metric.WithAttributes(AttrLLMMethod.String("chat_stream")))
	span.SetAttributes(AttrStreamChunks.Int(chunks))
	if err != nil {
		span.RecordError(err)
	}
	return resp, err
}

// ObservedDecider wraps a Decider with metrics.
type ObservedDecider struct {
	inner cadence.Decider
	inst  *Instruments
}

// NewObservedDecider instruments a decision backend.
func NewObservedDecider(inner cadence.Decider, inst *Instruments) *ObservedDecider {
	return &ObservedDecider{inner: inner, inst: inst}
}

func (o *ObservedDecider) Decide(ctx context.Context, prompt string, choices []string) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.decide", trace.WithAttributes(
		AttrLLMMethod.String("decide"),
	))
	defer span.End()

	start := time.Now()
	choice, err := o.inner.Decide(ctx, prompt, choices)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(AttrLLMMethod.String("decide")))
	o.inst.LLMDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrLLMMethod.String("decide")))
	if err != nil {
		span.RecordError(err)
	}
	return choice, err
}

// ObservedSummarizer wraps a Summarizer with metrics.
type ObservedSummarizer struct {
	inner cadence.Summarizer
	inst  *Instruments
}

// NewObservedSummarizer instruments a summarization backend.
func NewObservedSummarizer(inner cadence.Summarizer, inst *Instruments) *ObservedSummarizer {
	return &ObservedSummarizer{inner: inner, inst: inst}
}

func (o *ObservedSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.summarize", trace.WithAttributes(
		AttrLLMMethod.String("summarize"),
	))
	defer span.End()

	start := time.Now()
	out, err := o.inner.Summarize(ctx, text)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(AttrLLMMethod.String("summarize")))
	o.inst.LLMDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrLLMMethod.String("summarize")))
	if err == nil {
		o.inst.SummaryCount.Add(ctx, 1)
	} else {
		span.RecordError(err)
	}
	return out, err
}

// compile-time checks
var (
	_ cadence.ChatStreamer = (*ObservedStreamer)(nil)
	_ cadence.Decider      = (*ObservedDecider)(nil)
	_ cadence.Summarizer   = (*ObservedSummarizer)(nil)
)
