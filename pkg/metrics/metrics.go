/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/couchbase/stellar-gcs/pkg/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type GcsMetrics struct {
	ViewsInstalled    metric.Int64Counter
	ViewsFiltered     metric.Int64Counter
	SuspicionsCreated metric.Int64Counter
	ExpelsIssued      metric.Int64Counter
	ProtocolChanges   metric.Int64Counter
	PacketsInTransit  metric.Int64UpDownCounter
	StateExchanges    metric.Int64Counter

	SystemRequests       metric.Int64Counter
	SystemActiveRequests metric.Int64UpDownCounter
}

var (
	gcsMetrics     *GcsMetrics
	gcsMetricsLock sync.Mutex
)

func GetGcsMetrics() *GcsMetrics {
	gcsMetricsLock.Lock()

	if gcsMetrics != nil {
		gcsMetricsLock.Unlock()
		return gcsMetrics
	}

	gcsMetrics = newGcsMetrics()

	gcsMetricsLock.Unlock()
	return gcsMetrics
}

var buildVersion string = version.Get("github.com/couchbase/stellar-gcs")

func newGcsMetrics() *GcsMetrics {
	meter := otel.Meter(
		"com.couchbase.stellar-gcs",
		metric.WithInstrumentationVersion(buildVersion))

	viewsInstalled, _ := meter.Int64Counter("gcs_views_installed_total")
	viewsFiltered, _ := meter.Int64Counter("gcs_views_filtered_total")
	suspicionsCreated, _ := meter.Int64Counter("gcs_suspicions_created_total")
	expelsIssued, _ := meter.Int64Counter("gcs_expels_issued_total")
	protocolChanges, _ := meter.Int64Counter("gcs_protocol_changes_total")
	packetsInTransit, _ := meter.Int64UpDownCounter("gcs_packets_in_transit")
	stateExchanges, _ := meter.Int64Counter("gcs_state_exchanges_total")
	systemRequests, _ := meter.Int64Counter("gcs_system_requests_total")
	systemActiveRequests, _ := meter.Int64UpDownCounter("gcs_system_active_requests")

	return &GcsMetrics{
		ViewsInstalled:    viewsInstalled,
		ViewsFiltered:     viewsFiltered,
		SuspicionsCreated: suspicionsCreated,
		ExpelsIssued:      expelsIssued,
		ProtocolChanges:   protocolChanges,
		PacketsInTransit:  packetsInTransit,
		StateExchanges:    stateExchanges,

		SystemRequests:       systemRequests,
		SystemActiveRequests: systemActiveRequests,
	}
}
