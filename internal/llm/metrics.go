package llm

import (
	"context"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poten",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM requests by provider, kind and result",
		},
		[]string{"provider", "kind", "result"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "poten",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM request latency in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"provider", "kind"},
	)

	streamedChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poten",
			Subsystem: "llm",
			Name:      "stream_chunks_total",
			Help:      "Total streamed response chunks",
		},
		[]string{"provider"},
	)
)

type instrumented struct {
	Client
}

// Instrument wraps c so every call is counted and timed.
func Instrument(c Client) Client {
	if _, ok := c.(*instrumented); ok {
		return c
	}
	return &instrumented{Client: c}
}

func kindLabel(req Request) string {
	if req.Kind == "" {
		return "chat"
	}
	return req.Kind
}

func record(provider, kind string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	requestsTotal.WithLabelValues(provider, kind, result).Inc()
	requestDuration.WithLabelValues(provider, kind).Observe(time.Since(start).Seconds())
}

func (i *instrumented) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	out, err := i.Client.Complete(ctx, req)
	record(i.Provider(), kindLabel(req), start, err)
	return out, err
}

func (i *instrumented) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := time.Now()
		var failed error
		defer func() { record(i.Provider(), kindLabel(req), start, failed) }()

		for chunk, err := range i.Client.Stream(ctx, req) {
			if err != nil {
				failed = err
				yield("", err)
				return
			}
			streamedChunks.WithLabelValues(i.Provider()).Inc()
			if !yield(chunk, nil) {
				return
			}
		}
	}
}
