package gatekeeper

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	validations     metric.Int64Counter
	ledgerMutations metric.Int64Counter
	stripped        metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)

	validations, err := meter.Int64Counter("gatekeeper.validations",
		metric.WithDescription("Coupon validation outcomes by state"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "validations counter")
	}
	ledgerMutations, err := meter.Int64Counter("gatekeeper.ledger.mutations",
		metric.WithDescription("Usage ledger increments and decrements by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "ledger mutations counter")
	}
	stripped, err := meter.Int64Counter("gatekeeper.reconcile.stripped",
		metric.WithDescription("Coupons removed from placed orders by reconciliation"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "stripped counter")
	}

	return &metrics{
		validations:     validations,
		ledgerMutations: ledgerMutations,
		stripped:        stripped,
	}, nil
}

func (m *metrics) validation(ctx context.Context, state State) {
	m.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}

func (m *metrics) mutation(ctx context.Context, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerMutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result),
	))
}
