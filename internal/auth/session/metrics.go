package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPairsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_auth_token_pairs_issued_total",
		Help: "Access/refresh token pairs issued (logins and rotations).",
	})

	metricRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stride_auth_rotations_total",
		Help: "Refresh rotation outcomes.",
	}, []string{"outcome"})

	metricTokenRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stride_auth_token_rejections_total",
		Help: "Token verification failures by reason.",
	}, []string{"reason"})
)

func countTokenErr(err error) {
	var te TokenError
	if errors.As(err, &te) {
		metricTokenRejections.WithLabelValues(string(te.Reason)).Inc()
	}
}

// countRotationFailure separates replayed/revoked tokens from plain store
// failures so an outage never reads as an attack on the dashboards.
func countRotationFailure(err error) {
	if errors.Is(err, ErrSessionNotFound) {
		metricRotations.WithLabelValues("replay").Inc()
		return
	}
	metricRotations.WithLabelValues("store_error").Inc()
}
