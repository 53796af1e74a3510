package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
)

const namespace = "auth"

// AuthMetrics exposes counters for the auth core.
type AuthMetrics struct {
	loginAttempts      *prometheus.CounterVec
	accountsLocked     prometheus.Counter
	refreshRotations   prometheus.Counter
	refreshRejections  *prometheus.CounterVec
	tokenValidations   *prometheus.CounterVec
	cacheFallbacks     prometheus.Counter
	sessionsRevoked    *prometheus.CounterVec
	eventDeliveryFails *prometheus.CounterVec
}

// NewAuthMetrics registers the auth collectors with reg. Collectors that are
// already registered are reused.
func NewAuthMetrics(reg prometheus.Registerer) (*AuthMetrics, error) {
	m := &AuthMetrics{
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome and server-side reason.",
		}, []string{"outcome", "reason"}),
		accountsLocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounts_locked_total",
			Help:      "Accounts locked after reaching the failed-login threshold.",
		}),
		refreshRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_rotations_total",
			Help:      "Successful refresh token rotations.",
		}),
		refreshRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_rejections_total",
			Help:      "Rejected refresh attempts by reason.",
		}, []string{"reason"}),
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Access token validations by result.",
		}, []string{"result"}),
		cacheFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocation_cache_fallbacks_total",
			Help:      "Revocation checks that fell back to the ledger because the cache failed.",
		}),
		sessionsRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_revoked_total",
			Help:      "Refresh tokens revoked by reason.",
		}, []string{"reason"}),
		eventDeliveryFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_event_delivery_failures_total",
			Help:      "Security events that could not be delivered to the broker.",
		}, []string{"topic"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	m.loginAttempts = register(reg, m.loginAttempts, &err)
	m.accountsLocked = register(reg, m.accountsLocked, &err)
	m.refreshRotations = register(reg, m.refreshRotations, &err)
	m.refreshRejections = register(reg, m.refreshRejections, &err)
	m.tokenValidations = register(reg, m.tokenValidations, &err)
	m.cacheFallbacks = register(reg, m.cacheFallbacks, &err)
	m.sessionsRevoked = register(reg, m.sessionsRevoked, &err)
	m.eventDeliveryFails = register(reg, m.eventDeliveryFails, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

func (m *AuthMetrics) LoginAttempt(outcome domain.LoginOutcome, reason string) {
	if reason == "" {
		reason = "none"
	}
	m.loginAttempts.WithLabelValues(string(outcome), reason).Inc()
}

func (m *AuthMetrics) AccountLocked() {
	m.accountsLocked.Inc()
}

func (m *AuthMetrics) RefreshRotated() {
	m.refreshRotations.Inc()
}

func (m *AuthMetrics) RefreshRejected(reason domain.RejectionReason) {
	m.refreshRejections.WithLabelValues(string(reason)).Inc()
}

func (m *AuthMetrics) TokenValidation(result string) {
	m.tokenValidations.WithLabelValues(result).Inc()
}

func (m *AuthMetrics) RevocationCacheFallback() {
	m.cacheFallbacks.Inc()
}

func (m *AuthMetrics) SessionsRevoked(reason domain.RevocationReason, count int) {
	if count <= 0 {
		return
	}
	m.sessionsRevoked.WithLabelValues(string(reason)).Add(float64(count))
}

// EventDeliveryFailed is wired to the Kafka producer error callback.
func (m *AuthMetrics) EventDeliveryFailed(topic string) {
	m.eventDeliveryFails.WithLabelValues(topic).Inc()
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) LoginAttempt(domain.LoginOutcome, string)     {}
func (NopMetrics) AccountLocked()                               {}
func (NopMetrics) RefreshRotated()                              {}
func (NopMetrics) RefreshRejected(domain.RejectionReason)       {}
func (NopMetrics) TokenValidation(string)                       {}
func (NopMetrics) RevocationCacheFallback()                     {}
func (NopMetrics) SessionsRevoked(domain.RevocationReason, int) {}

var (
	_ port.AuthMetrics = (*AuthMetrics)(nil)
	_ port.AuthMetrics = NopMetrics{}
)
