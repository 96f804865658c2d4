package auth

import "github.com/prometheus/client_golang/prometheus"

var (
	signInSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pik2mqtt_auth_sign_in_success_total",
			Help: "Successful vendor sign-ins",
		},
	)
	signInFailure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pik2mqtt_auth_sign_in_failure_total",
			Help: "Failed vendor sign-ins",
		},
	)
	tokenValid = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pik2mqtt_auth_token_valid",
			Help: "Vendor access token validity (1=valid, 0=invalid)",
		},
	)
)

// MetricsCollectors returns collectors for the auth module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		signInSuccess,
		signInFailure,
		tokenValid,
	}
}
