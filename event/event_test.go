package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type restaurantCreated struct {
	Name string `json:"name"`
}

func (restaurantCreated) EventType() string {
	return "RestaurantCreated"
}

type restaurantRenamed struct {
	Name string `json:"name"`
}

func (restaurantRenamed) EventType() string {
	return "RestaurantRenamed"
}

func TestRegister(t *testing.T) {
	r := NewRegistry()
	r.Register(func() Event { return &restaurantCreated{} })

	assert.True(t, r.Registered("RestaurantCreated"))
	assert.False(t, r.Registered("RestaurantRenamed"))
	assert.Panics(t, func() {
		r.Register(func() Event { return &restaurantCreated{} })
	})
}

func TestUnmarshal(t *testing.T) {
	r := NewRegistry()
	r.Register(func() Event { return &restaurantCreated{} })

	type args struct {
		eventType string
		payload   []byte
	}
	testcases := []struct {
		name        string
		args        args
		want        Event
		wantErr     bool
		wantUnknown bool
	}{
		{
			name: "registered type",
			args: args{
				eventType: "RestaurantCreated",
				payload:   []byte(`{"name":"Casa Paco"}`),
			},
			want: &restaurantCreated{Name: "Casa Paco"},
		},
		{
			name: "unregistered type is a hard error",
			args: args{
				eventType: "RestaurantRenamed",
				payload:   []byte(`{"name":"Casa Paco"}`),
			},
			wantErr:     true,
			wantUnknown: true,
		},
		{
			name: "malformed payload",
			args: args{
				eventType: "RestaurantCreated",
				payload:   []byte(`{"name":`),
			},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := r.Unmarshal(tc.args.eventType, tc.args.payload)
			if tc.wantErr {
				assert.Error(t, err)
				if tc.wantUnknown {
					assert.ErrorIs(t, err, ErrUnknownEventType)
				}
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.want, e)
			}
		})
	}
}

func TestMarshal(t *testing.T) {
	r := NewRegistry()
	payload, err := r.Marshal(&restaurantCreated{Name: "Casa Paco"})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"name":"Casa Paco"}`, string(payload))
}

func TestDecode(t *testing.T) {
	r := NewRegistry()
	r.Register(func() Event { return &restaurantRenamed{} })

	env := &Envelope{
		AggregateType: "Restaurant",
		AggregateId:   uuid.New(),
		Version:       2,
		EventType:     "RestaurantRenamed",
		Payload:       []byte(`{"name":"Casa Curro"}`),
		OccurredAt:    time.Now(),
	}
	e, err := r.Decode(env)
	assert.NoError(t, err)
	assert.Equal(t, &restaurantRenamed{Name: "Casa Curro"}, e)

	env.EventType = "RestaurantClosed"
	_, err = r.Decode(env)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}
