package main

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "wallet-service"

// Metrics agrupa os contadores do ledger e do fluxo de recarga
type Metrics struct {
	credits          metric.Int64Counter
	debits           metric.Int64Counter
	duplicateCredits metric.Int64Counter
	lockBusy         metric.Int64Counter
	topUpCallbacks   metric.Int64Counter
}

// NewMetrics registra os contadores no meter informado
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.credits, err = meter.Int64Counter("wallet.credits",
		metric.WithDescription("Number of committed wallet credits")); err != nil {
		return nil, err
	}
	if m.debits, err = meter.Int64Counter("wallet.debits",
		metric.WithDescription("Number of committed wallet debits and refunds")); err != nil {
		return nil, err
	}
	if m.duplicateCredits, err = meter.Int64Counter("wallet.duplicate_credits",
		metric.WithDescription("Mutations short-circuited by the reference idempotency check")); err != nil {
		return nil, err
	}
	if m.lockBusy, err = meter.Int64Counter("wallet.lock_busy",
		metric.WithDescription("Mutations rejected because the wallet lock was held")); err != nil {
		return nil, err
	}
	if m.topUpCallbacks, err = meter.Int64Counter("topup.callbacks",
		metric.WithDescription("Gateway callbacks by kind and outcome")); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewNoopMetrics usa o meter provider global, que é noop até initMetrics
func NewNoopMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(instrumentationName))
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) recordMutation(ctx context.Context, txType TransactionType) {
	if txType == TransactionTypeCredit {
		m.credits.Add(ctx, 1)
		return
	}
	m.debits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(txType))))
}

func (m *Metrics) recordDuplicate(ctx context.Context, txType TransactionType) {
	m.duplicateCredits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(txType))))
}

func (m *Metrics) recordLockBusy(ctx context.Context) {
	m.lockBusy.Add(ctx, 1)
}

func (m *Metrics) recordCallback(ctx context.Context, kind string, state FlowState) {
	m.topUpCallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("callback", kind),
		attribute.String("state", string(state)),
	))
}

// StartFlowSpan cria um span para uma etapa do fluxo de vinculação/recarga
func StartFlowSpan(ctx context.Context, step string, userID int64, paymentID string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "topup."+step)

	attrs := []attribute.KeyValue{
		attribute.String("topup.step", step),
		attribute.String("component", "topup-orchestrator"),
	}
	if userID != 0 {
		attrs = append(attrs, attribute.String("user_id", strconv.FormatInt(userID, 10)))
	}
	if paymentID != "" {
		attrs = append(attrs, attribute.String("payment_id", paymentID))
	}
	span.SetAttributes(attrs...)

	return ctx, span
}

// StartLedgerSpan cria um span para uma mutação do ledger
func StartLedgerSpan(ctx context.Context, txType TransactionType, userID int64, referenceID string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "ledger."+string(txType))

	span.SetAttributes(
		attribute.String("user_id", strconv.FormatInt(userID, 10)),
		attribute.String("reference_id", referenceID),
		attribute.String("component", "wallet-ledger"),
	)

	return ctx, span
}

func initTracer(cfg *Config) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMetrics(cfg *Config) (*sdkmetric.MeterProvider, error) {
	ctx := context.Background()

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}
