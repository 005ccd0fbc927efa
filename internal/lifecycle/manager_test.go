package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []string
}

func (r *recorder) component(name string, startErr, stopErr error) *Func {
	return &Func{
		Label: name,
		OnStart: func(context.Context) error {
			r.events = append(r.events, "start "+name)
			return startErr
		},
		OnStop: func(context.Context) error {
			r.events = append(r.events, "stop "+name)
			return stopErr
		},
	}
}

func TestManager_DependencyOrder(t *testing.T) {
	rec := &recorder{}
	tracing := rec.component("tracing", nil, nil)
	sink := rec.component("sink", nil, nil)
	server := rec.component("server", nil, nil)

	m := NewManager()
	require.NoError(t, m.Register(tracing))
	require.NoError(t, m.Register(sink))
	require.NoError(t, m.Register(server, sink, tracing))

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running(server))
	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.Running(server))

	assert.Equal(t, []string{
		"start tracing", "start sink", "start server",
		"stop server", "stop sink", "stop tracing",
	}, rec.events)
}

func TestManager_RollbackOnStartFailure(t *testing.T) {
	rec := &recorder{}
	a := rec.component("a", nil, nil)
	b := rec.component("b", errors.New("port in use"), nil)
	c := rec.component("c", nil, nil)

	m := NewManager()
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b, a))
	require.NoError(t, m.Register(c, b))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port in use")
	assert.Equal(t, []string{"start a", "start b", "stop a"}, rec.events)
	assert.False(t, m.Running(a))
}

func TestManager_StopJoinsErrors(t *testing.T) {
	rec := &recorder{}
	a := rec.component("a", nil, errors.New("flush failed"))
	b := rec.component("b", nil, nil)

	m := NewManager()
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))
	require.NoError(t, m.Start(context.Background()))

	err := m.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, rec.events)
}

func TestManager_RegisterValidation(t *testing.T) {
	m := NewManager()
	a := &Func{Label: "a"}

	assert.Error(t, m.Register(nil))
	assert.Error(t, m.Register(&Func{}))
	assert.Error(t, m.Register(a, &Func{Label: "unregistered"}))
	require.NoError(t, m.Register(a))
	assert.Error(t, m.Register(a))
}
