package cart

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/xenking/kart-cart/internal/domain/cart"

type telemetry struct {
	tracer          trace.Tracer
	operations      metric.Int64Counter
	promoOutcomes   metric.Int64Counter
	storageFailures metric.Int64Counter
}

func newTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*telemetry, error) {
	meter := mp.Meter(instrumentationName)

	operations, err := meter.Int64Counter("cart.operations",
		metric.WithDescription("Cart operations by name and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "operations counter")
	}
	promoOutcomes, err := meter.Int64Counter("cart.promo.outcomes",
		metric.WithDescription("Promo code validation outcomes"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "promo counter")
	}
	storageFailures, err := meter.Int64Counter("cart.storage.failures",
		metric.WithDescription("Durable cart writes that failed"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "storage counter")
	}

	return &telemetry{
		tracer:          tp.Tracer(instrumentationName),
		operations:      operations,
		promoOutcomes:   promoOutcomes,
		storageFailures: storageFailures,
	}, nil
}

// start opens a span for op and returns a finish func recording the outcome.
func (t *telemetry) start(ctx context.Context, op string) (context.Context, func(err error)) {
	ctx, span := t.tracer.Start(ctx, "cart."+op)
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		t.operations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
		span.End()
	}
}

func (t *telemetry) promo(ctx context.Context, outcome string) {
	t.promoOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
