package resilience

import (
	"time"
)

// FromRetryConfig builds a RetryConfig from configuration values expressed in
// seconds. Zero values keep the BAN schedule.
func FromRetryConfig(maxRetries, initialBackoffSecs, maxBackoffSecs int, multiplier float64) RetryConfig {
	cfg := BANRetryConfig()
	if maxRetries > 0 {
		cfg.MaxAttempts = maxRetries + 1
	}
	if initialBackoffSecs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffSecs) * time.Second
	}
	if maxBackoffSecs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffSecs) * time.Second
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
