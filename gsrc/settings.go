package gsrc

import (
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultMaxDispatchers       int           = 2
	defaultPollingInterval      time.Duration = time.Second * 3
	defaultMaxEventsPerInterval int           = -1
	defaultMaxEventsPerBatch    int           = 100
	defaultMaxDeliveryAttempts  int           = 10
	defaultRetryBackoffBase     time.Duration = time.Second * 5
	defaultRetryBackoffCeiling  time.Duration = time.Minute * 10
)

// Settings holds the general Gosourcing module configuration.
type Settings struct {
	EnableDispatcher     bool          `env:"GOSOURCING_ENABLE_DISPATCHER"`       // enables the dispatcher using the polling publisher pattern
	MaxDispatchers       int           `env:"GOSOURCING_MAX_DISPATCHERS"`         // in HA environments, maximum allowed number of dispatchers working concurrently
	PollingInterval      time.Duration `env:"GOSOURCING_POLLING_INTERVAL"`        // interval between database pollings by the dispatchers
	MaxEventsPerInterval int           `env:"GOSOURCING_MAX_EVENTS_PER_INTERVAL"` // maximum number of events to be processed by a dispatcher in each iteration (-1 = unlimited)
	MaxEventsPerBatch    int           `env:"GOSOURCING_MAX_EVENTS_PER_BATCH"`    // maximum number of events per batch
	MaxDeliveryAttempts  int           `env:"GOSOURCING_MAX_DELIVERY_ATTEMPTS"`   // delivery attempts before a record is dead-lettered
	RetryBackoffBase     time.Duration `env:"GOSOURCING_RETRY_BACKOFF_BASE"`      // backoff after the first failed delivery attempt
	RetryBackoffCeiling  time.Duration `env:"GOSOURCING_RETRY_BACKOFF_CEILING"`   // upper bound for the exponential backoff
}

// LoadSettings builds Settings from GOSOURCING_* environment variables.
// Unset variables are left to their zero value and filled in later by
// validateSettings.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// validateSettings validate the stablished settings and sets defaults if needed.
func validateSettings(s *Settings) {
	if s.EnableDispatcher {
		if s.MaxDispatchers <= 0 {
			s.MaxDispatchers = defaultMaxDispatchers
		}
		if s.PollingInterval <= 0 {
			s.PollingInterval = defaultPollingInterval
		}
		if s.MaxEventsPerInterval == 0 || s.MaxEventsPerInterval < -1 {
			s.MaxEventsPerInterval = defaultMaxEventsPerInterval
		}
		if s.MaxEventsPerBatch <= 0 {
			s.MaxEventsPerBatch = defaultMaxEventsPerBatch
		}
		if s.MaxDeliveryAttempts <= 0 {
			s.MaxDeliveryAttempts = defaultMaxDeliveryAttempts
		}
		if s.RetryBackoffBase <= 0 {
			s.RetryBackoffBase = defaultRetryBackoffBase
		}
		if s.RetryBackoffCeiling <= 0 {
			s.RetryBackoffCeiling = defaultRetryBackoffCeiling
		}
	}
}
