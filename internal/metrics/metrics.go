package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	AuthOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_operations_total",
			Help: "Total number of session manager operations.",
		},
		[]string{"operation", "result"},
	)

	AuthNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_notifications_total",
			Help: "Total number of notification deliveries.",
		},
		[]string{"template", "result"},
	)
)

// MustRegister registers all collectors on reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		AuthOperationsTotal,
		AuthNotificationsTotal,
	)
}

// Outcome maps an error to a result label.
func Outcome(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
