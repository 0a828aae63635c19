// Package observability provides OpenTelemetry tracing and metrics for the
// scheduler.
//
// Tracing:
//
//	tp, err := observability.InitTracer(ctx, observability.DefaultTracerConfig("flowd"))
//	defer tp.Shutdown(ctx)
//
//	ctx, span := observability.StartSpan(ctx, observability.SpanTick)
//	defer span.End()
//
// Metrics:
//
//	mp, err := observability.InitMeter(ctx, observability.DefaultMeterConfig("flowd"))
//	defer mp.Shutdown(ctx)
//
//	metrics, err := observability.NewMetrics(observability.Meter("flowd"))
//	metrics.RecordDispatch(ctx, "etl", "load", "default")
//
// All Metrics recording methods are nil-receiver safe, so components can be
// built without metrics wired.
package observability
