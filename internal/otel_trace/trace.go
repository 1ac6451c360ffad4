/*
 * MIT License
 *
 * Copyright (c) 2025 linux.do
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package otel_trace wires OpenTelemetry tracing for the supervisor.
// otel_trace 包为监管者接入 OpenTelemetry 追踪。
package otel_trace

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/seatunnel/stx-supervisor"

// Options controls the trace exporter
// Options 控制追踪导出器
type Options struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

var (
	Tracer        trace.Tracer
	shutdownFuncs []func(context.Context) error
	initOnce      sync.Once
	enabled       bool
	mu            sync.Mutex
)

// Init initializes tracing once. When disabled, or when the exporter cannot be
// built, a noop tracer is installed and the supervisor keeps running.
// Init 只初始化一次追踪。禁用或导出器创建失败时安装空操作追踪器，监管者照常运行。
func Init(ctx context.Context, opts Options, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	initOnce.Do(func() {
		if !opts.Enabled {
			logger.Info("[Trace] OpenTelemetry tracing is disabled / OpenTelemetry 追踪已禁用")
			Tracer = noop.NewTracerProvider().Tracer("noop")
			return
		}

		otel.SetTextMapPropagator(newPropagator())

		tracerProvider, err := newTracerProvider(ctx, opts)
		if err != nil {
			logger.Warn("[Trace] Failed to init trace provider, using noop tracer / 初始化追踪提供者失败，使用空操作追踪器", zap.Error(err))
			Tracer = noop.NewTracerProvider().Tracer("noop")
			return
		}

		mu.Lock()
		shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
		mu.Unlock()
		otel.SetTracerProvider(tracerProvider)

		Tracer = tracerProvider.Tracer(instrumentationName)
		enabled = true
		logger.Info("[Trace] OpenTelemetry tracing initialized / OpenTelemetry 追踪已初始化",
			zap.String("endpoint", opts.Endpoint),
			zap.Float64("sample_ratio", opts.SampleRatio),
		)
	})
}

// IsEnabled returns whether spans are exported.
// IsEnabled 返回是否导出 span。
func IsEnabled() bool {
	return enabled
}

// Shutdown flushes and stops the exporter.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	fns := shutdownFuncs
	shutdownFuncs = nil
	mu.Unlock()

	var errs []error
	for _, fn := range fns {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Start opens a span, or a noop span before Init.
func Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if Tracer == nil {
		return ctx, noop.Span{}
	}
	return Tracer.Start(ctx, name, opts...)
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTracerProvider(ctx context.Context, opts Options) (*sdktrace.TracerProvider, error) {
	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithTimeout(10 * time.Second)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, otlptracegrpc.WithEndpoint(opts.Endpoint))
	}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, clientOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	), nil
}
