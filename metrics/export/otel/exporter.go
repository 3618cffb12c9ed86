package otel

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/MrEthical07/redisession"
	"github.com/MrEthical07/redisession/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Instrument names.
const (
	LockOutcomesName    = "redisession.lock.outcomes"
	LockWaitBucketsName = "redisession.lock.wait.buckets"
	LockWaitCountName   = "redisession.lock.wait.count"
	WritesName          = "redisession.session.writes"
	DestroysName        = "redisession.session.destroys"
	CodecFallbacksName  = "redisession.codec.fallbacks"
	DecodeFailuresName  = "redisession.codec.decode_failures"
	ConnectivityName    = "redisession.redis.connectivity_errors"
	AuditDroppedName    = "redisession.audit.dropped"
)

const (
	outcomeKey   = "outcome"
	resultKey    = "result"
	leKey        = "le"
	eventTypeKey = "event_type"
)

type metricsSource interface {
	MetricsSnapshot() redisession.MetricsSnapshot
	AuditDroppedByType() map[string]uint64
}

// labelled is one handler counter reported as one attribute value of a
// shared instrument.
type labelled struct {
	id    redisession.MetricID
	attrs metric.MeasurementOption
}

func attrs(key, value string) metric.MeasurementOption {
	return metric.WithAttributeSet(attribute.NewSet(attribute.String(key, value)))
}

var lockOutcomes = []labelled{
	{redisession.MetricLockAcquired, attrs(outcomeKey, redisession.OutcomeAcquired.String())},
	{redisession.MetricLockBroken, attrs(outcomeKey, redisession.OutcomeBroken.String())},
	{redisession.MetricLockTimedOut, attrs(outcomeKey, redisession.OutcomeTimedOut.String())},
	{redisession.MetricLockRejected, attrs(outcomeKey, redisession.OutcomeRejected.String())},
	{redisession.MetricLockDisabled, attrs(outcomeKey, redisession.OutcomeDisabled.String())},
	{redisession.MetricLockReadOnly, attrs(outcomeKey, redisession.OutcomeReadOnly.String())},
}

var writeResults = []labelled{
	{redisession.MetricWriteSuccess, attrs(resultKey, "committed")},
	{redisession.MetricWriteSkipped, attrs(resultKey, "skipped")},
	{redisession.MetricWriteFailed, attrs(resultKey, "failed")},
}

// leBounds labels the cumulative lock-wait buckets in seconds.
var leBounds = func() []metric.MeasurementOption {
	out := make([]metric.MeasurementOption, 0, len(internaldefs.HistogramUpperBounds)+1)
	for _, b := range internaldefs.HistogramUpperBounds {
		out = append(out, attrs(leKey, strconv.FormatFloat(b, 'g', -1, 64)))
	}
	return append(out, attrs(leKey, "+Inf"))
}()

type plainCounter struct {
	id         redisession.MetricID
	instrument metric.Int64ObservableCounter
}

// OTelExporter reports session lock and write metrics through one
// observable callback. Lock outcomes and write results are attributes of
// a single instrument each, so dashboards can sum or split them.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration

	outcomes     metric.Int64ObservableCounter
	writes       metric.Int64ObservableCounter
	waitBuckets  metric.Int64ObservableGauge
	waitCount    metric.Int64ObservableCounter
	auditDropped metric.Int64ObservableCounter
	plain        []plainCounter
}

// NewOTelExporter registers observable instruments for h on meter.
func NewOTelExporter(meter metric.Meter, h *redisession.Handler) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, h)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{source: source}
	var err error

	if e.outcomes, err = meter.Int64ObservableCounter(LockOutcomesName,
		metric.WithDescription("Session reads by lock outcome."),
		metric.WithUnit("{read}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", LockOutcomesName, err)
	}
	if e.writes, err = meter.Int64ObservableCounter(WritesName,
		metric.WithDescription("Session writes by result."),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", WritesName, err)
	}
	if e.waitBuckets, err = meter.Int64ObservableGauge(LockWaitBucketsName,
		metric.WithDescription("Cumulative lock wait samples at or below the le bound in seconds."),
		metric.WithUnit("{read}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", LockWaitBucketsName, err)
	}
	if e.waitCount, err = meter.Int64ObservableCounter(LockWaitCountName,
		metric.WithDescription("Lock wait samples."),
		metric.WithUnit("{read}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", LockWaitCountName, err)
	}
	if e.auditDropped, err = meter.Int64ObservableCounter(AuditDroppedName,
		metric.WithDescription("Audit events dropped under dispatcher backpressure, by event type."),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", AuditDroppedName, err)
	}

	for _, def := range []struct {
		id   redisession.MetricID
		name string
		help string
	}{
		{redisession.MetricDestroy, DestroysName, "Destroyed sessions."},
		{redisession.MetricCodecFallback, CodecFallbacksName, "Payloads stored uncompressed after a compressor error."},
		{redisession.MetricDecodeFailed, DecodeFailuresName, "Reads that discarded an undecodable payload."},
		{redisession.MetricConnectivityError, ConnectivityName, "Operations that could not reach Redis."},
	} {
		ins, err := meter.Int64ObservableCounter(def.name, metric.WithDescription(def.help))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", def.name, err)
		}
		e.plain = append(e.plain, plainCounter{id: def.id, instrument: ins})
	}

	observables := []metric.Observable{e.outcomes, e.writes, e.waitBuckets, e.waitCount, e.auditDropped}
	for _, c := range e.plain {
		observables = append(observables, c.instrument)
	}

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	if len(snapshot.Counters) > 0 {
		for _, l := range lockOutcomes {
			o.ObserveInt64(e.outcomes, int64(snapshot.Counters[l.id]), l.attrs)
		}
		for _, l := range writeResults {
			o.ObserveInt64(e.writes, int64(snapshot.Counters[l.id]), l.attrs)
		}
		for _, c := range e.plain {
			o.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
	}

	// Latency tracking off means no histogram in the snapshot.
	if raw, ok := snapshot.Histograms[redisession.MetricLockWaitLatency]; ok {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		for i, le := range leBounds {
			o.ObserveInt64(e.waitBuckets, int64(cumulative[i]), le)
		}
		o.ObserveInt64(e.waitCount, int64(cumulative[len(cumulative)-1]))
	}

	for typ, n := range e.source.AuditDroppedByType() {
		o.ObserveInt64(e.auditDropped, int64(n), attrs(eventTypeKey, typ))
	}
	return nil
}

// Close unregisters the callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
