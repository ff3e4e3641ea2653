package points

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// метрики

var (
	pointsAccrued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_accrued_total",
			Help: "Начислено баллов",
		},
		[]string{"type"},
	)

	pointsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_consumed_total",
			Help: "Списано баллов",
		},
		[]string{"type"},
	)

	pointsReversed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "points_reversed_total",
			Help: "Возвращено баллов сторно",
		},
	)

	lotsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "points_lots_expired_total",
			Help: "Кол-во сгоревших партий",
		},
	)

	sweepErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "points_sweep_errors_total",
			Help: "Ошибки при сгорании партий",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "points_sweep_duration_seconds",
			Help:    "Продолжительность прогона сгорания",
			Buckets: prometheus.DefBuckets,
		},
	)

	balanceDrift = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "points_balance_drift_total",
			Help: "Кол-во расхождений кэшированного баланса с партиями",
		},
	)

	orderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_transitions_total",
			Help: "Переходы состояний заказов",
		},
		[]string{"from", "to"},
	)

	pointsStageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_points_stage_failures_total",
			Help: "Ошибки этапа баллов",
		},
		[]string{"reason"},
	)
)

var tracer = otel.Tracer("github.com/glkeru/loyalty/ledger/services")

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
