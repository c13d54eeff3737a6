package aggregate

import (
	"errors"
	"testing"

	"github.com/3rs4lg4d0/gosourcing/event"
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

type restaurantClosed struct{}

func (restaurantClosed) EventType() string {
	return "RestaurantClosed"
}

// restaurant is the aggregate used across the package tests.
type restaurant struct {
	Base
	Name   string `json:"name"`
	Closed bool   `json:"closed"`
}

func newRestaurant(id uuid.UUID) Root {
	return &restaurant{Base: NewBase(id)}
}

func createRestaurant(id uuid.UUID, name string) (*restaurant, error) {
	r := &restaurant{Base: NewBase(id)}
	if name == "" {
		return nil, errors.New("a restaurant needs a name")
	}
	if err := Raise(r, &restaurantCreated{Name: name}); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *restaurant) rename(name string) error {
	if r.Closed {
		return errors.New("the restaurant is closed")
	}
	return Raise(r, &restaurantRenamed{Name: name})
}

func (r *restaurant) close() error {
	if r.Closed {
		return errors.New("the restaurant is already closed")
	}
	return Raise(r, &restaurantClosed{})
}

func (r *restaurant) Apply(e event.Event) error {
	switch ev := e.(type) {
	case *restaurantCreated:
		r.Name = ev.Name
	case *restaurantRenamed:
		r.Name = ev.Name
	case *restaurantClosed:
		r.Closed = true
	default:
		return errors.New("unexpected event")
	}
	return nil
}

func newTestRegistry() *event.Registry {
	reg := event.NewRegistry()
	reg.Register(func() event.Event { return &restaurantCreated{} })
	reg.Register(func() event.Event { return &restaurantRenamed{} })
	reg.Register(func() event.Event { return &restaurantClosed{} })
	return reg
}

func TestRaise(t *testing.T) {
	r, err := createRestaurant(uuid.New(), "Casa Paco")
	assert.NoError(t, err)
	assert.NoError(t, r.rename("Casa Curro"))

	assert.Equal(t, "Casa Curro", r.Name)
	assert.Equal(t, int64(2), r.Version())
	assert.Equal(t, int64(0), r.CommittedVersion())
	assert.Len(t, r.Pending(), 2)
}

func TestRaiseRejectedByApply(t *testing.T) {
	r, err := createRestaurant(uuid.New(), "Casa Paco")
	assert.NoError(t, err)
	assert.NoError(t, r.close())

	versionBefore := r.Version()
	pendingBefore := len(r.Pending())

	assert.Error(t, r.rename("Casa Curro"))
	assert.Equal(t, versionBefore, r.Version())
	assert.Len(t, r.Pending(), pendingBefore)
}

func TestMarkCommitted(t *testing.T) {
	r, err := createRestaurant(uuid.New(), "Casa Paco")
	assert.NoError(t, err)
	assert.NoError(t, r.rename("Casa Curro"))

	r.markCommitted()
	assert.Equal(t, int64(2), r.Version())
	assert.Equal(t, int64(2), r.CommittedVersion())
	assert.Empty(t, r.Pending())
}

func TestRestore(t *testing.T) {
	id := uuid.New()
	r := &restaurant{}
	r.base().restore(id, 7)

	assert.Equal(t, id, r.Id())
	assert.Equal(t, int64(7), r.Version())
	assert.Equal(t, int64(7), r.CommittedVersion())
	assert.Empty(t, r.Pending())
}
