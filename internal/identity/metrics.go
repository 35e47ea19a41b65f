package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "serviceshop"

const (
	eventRegister           = "register"
	eventVerifyEmail        = "verify_email"
	eventResendVerification = "resend_verification"
	eventLogin              = "login"
	eventRefresh            = "refresh"
	eventChangePassword     = "change_password"
	eventRoleCheck          = "role_check"
)

const (
	outcomeSuccess  = "success"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

var authEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "events_total",
		Help:      "Authentication events by type and outcome",
	},
	[]string{"event", "outcome"},
)

// recordAuthEvent records an authentication event metric.
func recordAuthEvent(event, outcome string) {
	authEvents.WithLabelValues(event, outcome).Inc()
}
