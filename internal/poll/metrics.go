package poll

import "github.com/prometheus/client_golang/prometheus"

var (
	pollSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pik2mqtt_poll_success",
			Help: "Whether the last poll of the category succeeded (1=ok, 0=failed)",
		},
		[]string{"category"},
	)
	pollLastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pik2mqtt_poll_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful poll of the category",
		},
		[]string{"category"},
	)
	objectCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pik2mqtt_objects",
			Help: "Number of objects the last poll of the category returned",
		},
		[]string{"category"},
	)
	callActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pik2mqtt_call_active",
			Help: "Whether the most recent call session is still open",
		},
	)
	meterReading = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pik2mqtt_meter_reading",
			Help: "Current utility meter reading",
		},
		[]string{"meter_id", "kind", "pipe"},
	)
	meterMonthReading = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pik2mqtt_meter_month_reading",
			Help: "Current month utility meter consumption",
		},
		[]string{"meter_id", "kind", "pipe"},
	)
)

// MetricsCollectors returns collectors for the polling module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		pollSuccess,
		pollLastSuccess,
		objectCount,
		callActive,
		meterReading,
		meterMonthReading,
	}
}
