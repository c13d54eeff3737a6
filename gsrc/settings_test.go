package gsrc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_validateSettings(t *testing.T) {
	type args struct {
		s *Settings
	}
	testcases := []struct {
		name string
		args args
		want *Settings
	}{
		{
			name: "if dispatcher is disabled defaults are not applied",
			args: args{
				s: &Settings{
					EnableDispatcher:     false,
					MaxDispatchers:       -10,
					PollingInterval:      -1 * time.Second,
					MaxEventsPerInterval: -7,
					MaxEventsPerBatch:    -2,
					MaxDeliveryAttempts:  -3,
				},
			},
			want: &Settings{
				EnableDispatcher:     false,
				MaxDispatchers:       -10,
				PollingInterval:      -1 * time.Second,
				MaxEventsPerInterval: -7,
				MaxEventsPerBatch:    -2,
				MaxDeliveryAttempts:  -3,
			},
		},
		{
			name: "if dispatcher is enabled defaults are applied",
			args: args{
				s: &Settings{
					EnableDispatcher:     true,
					MaxDispatchers:       -10,
					PollingInterval:      -1 * time.Second,
					MaxEventsPerInterval: -7,
					MaxEventsPerBatch:    -2,
					MaxDeliveryAttempts:  -3,
					RetryBackoffBase:     -1 * time.Second,
					RetryBackoffCeiling:  -1 * time.Second,
				},
			},
			want: &Settings{
				EnableDispatcher:     true,
				MaxDispatchers:       defaultMaxDispatchers,
				PollingInterval:      defaultPollingInterval,
				MaxEventsPerInterval: defaultMaxEventsPerInterval,
				MaxEventsPerBatch:    defaultMaxEventsPerBatch,
				MaxDeliveryAttempts:  defaultMaxDeliveryAttempts,
				RetryBackoffBase:     defaultRetryBackoffBase,
				RetryBackoffCeiling:  defaultRetryBackoffCeiling,
			},
		},
		{
			name: "if dispatcher is enabled defaults are applied II",
			args: args{
				s: &Settings{
					EnableDispatcher: true,
				},
			},
			want: &Settings{
				EnableDispatcher:     true,
				MaxDispatchers:       defaultMaxDispatchers,
				PollingInterval:      defaultPollingInterval,
				MaxEventsPerInterval: defaultMaxEventsPerInterval,
				MaxEventsPerBatch:    defaultMaxEventsPerBatch,
				MaxDeliveryAttempts:  defaultMaxDeliveryAttempts,
				RetryBackoffBase:     defaultRetryBackoffBase,
				RetryBackoffCeiling:  defaultRetryBackoffCeiling,
			},
		},
		{
			name: "explicit values are preserved",
			args: args{
				s: &Settings{
					EnableDispatcher:     true,
					MaxDispatchers:       5,
					PollingInterval:      time.Second,
					MaxEventsPerInterval: 50,
					MaxEventsPerBatch:    10,
					MaxDeliveryAttempts:  3,
					RetryBackoffBase:     time.Second,
					RetryBackoffCeiling:  time.Minute,
				},
			},
			want: &Settings{
				EnableDispatcher:     true,
				MaxDispatchers:       5,
				PollingInterval:      time.Second,
				MaxEventsPerInterval: 50,
				MaxEventsPerBatch:    10,
				MaxDeliveryAttempts:  3,
				RetryBackoffBase:     time.Second,
				RetryBackoffCeiling:  time.Minute,
			},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			validateSettings(tc.args.s)
			assert.Equal(t, tc.want, tc.args.s)
		})
	}
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("GOSOURCING_ENABLE_DISPATCHER", "true")
	t.Setenv("GOSOURCING_MAX_DISPATCHERS", "4")
	t.Setenv("GOSOURCING_POLLING_INTERVAL", "7s")
	t.Setenv("GOSOURCING_MAX_DELIVERY_ATTEMPTS", "3")
	t.Setenv("GOSOURCING_RETRY_BACKOFF_BASE", "2s")

	s, err := LoadSettings()
	assert.NoError(t, err)
	assert.True(t, s.EnableDispatcher)
	assert.Equal(t, 4, s.MaxDispatchers)
	assert.Equal(t, 7*time.Second, s.PollingInterval)
	assert.Equal(t, 3, s.MaxDeliveryAttempts)
	assert.Equal(t, 2*time.Second, s.RetryBackoffBase)
	assert.Zero(t, s.MaxEventsPerBatch)
}
