package httptransport

import "expvar"

var (
	metricStoreReadTotal   = expvar.NewInt("store_read_total")
	metricStoreWriteTotal  = expvar.NewInt("store_write_total")
	metricStoreErrorsTotal = expvar.NewInt("store_errors_total")
	metricQueryTotal       = expvar.NewInt("store_query_total")

	metricQRRenderTotal = expvar.NewInt("qr_render_total")

	metricSweepTotal   = expvar.NewInt("sweep_total")
	metricSweepRemoved = expvar.NewInt("sweep_removed_total")
)

// RecordSweep counts one janitor or admin sweep.
func RecordSweep(removed int) {
	metricSweepTotal.Add(1)
	metricSweepRemoved.Add(int64(removed))
}
