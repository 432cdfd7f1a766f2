package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioerror/vula/internal/engine"
)

func result(t *testing.T, fn func(*engine.Tx[*counter]) error) *engine.Result {
	t.Helper()
	e, err := engine.New[*counter](&counter{})
	require.NoError(t, err)
	return e.Do(context.Background(), "TEST", nil, fn)
}

// counter is the smallest engine state that can change.
type counter struct {
	N int `yaml:"n"`
}

func (c *counter) Clone() *counter { cp := *c; return &cp }

func (c *counter) Validate() error {
	if c.N < 0 {
		return errors.New("negative")
	}
	return nil
}

func (c *counter) Canonical() ([]byte, error) { return []byte{byte(c.N)}, nil }

func (c *counter) Apply(w engine.Write) error { return engine.ApplyPath(c, w) }

func TestBus_PublishFansOut(t *testing.T) {
	bus := NewBus(nil)
	var all, failed, changed, rejected int
	require.NoError(t, bus.Subscribe(ResultRecorded, func(context.Context, *engine.Result) error { all++; return nil }))
	require.NoError(t, bus.Subscribe(ResultFailed, func(context.Context, *engine.Result) error { failed++; return nil }))
	require.NoError(t, bus.Subscribe(ResultChanged, func(context.Context, *engine.Result) error { changed++; return nil }))
	require.NoError(t, bus.Subscribe(PeerRejected, func(context.Context, *engine.Result) error { rejected++; return nil }))

	ok := result(t, func(tx *engine.Tx[*counter]) error { return tx.Set([]string{"n"}, 1) })
	bad := result(t, func(tx *engine.Tx[*counter]) error { return tx.Set([]string{"n"}, -1) })
	reject := result(t, func(tx *engine.Tx[*counter]) error { tx.Action("Reject", "no"); return nil })

	for _, r := range []*engine.Result{ok, bad, reject} {
		require.NoError(t, bus.Publish(context.Background(), r))
	}
	assert.Equal(t, 3, all)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, changed)
	assert.Equal(t, 1, rejected)

	h := bus.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 4, h.Subscribers)
	assert.Equal(t, int64(3), h.Published)
}

func TestBus_HandlerErrorDegrades(t *testing.T) {
	bus := NewBus(nil)
	require.NoError(t, bus.Subscribe(ResultRecorded, func(context.Context, *engine.Result) error {
		return errors.New("disk full")
	}))

	err := bus.Publish(context.Background(), result(t, func(*engine.Tx[*counter]) error { return nil }))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, "degraded", bus.Health().Status)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(nil)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.Error(t, bus.Publish(context.Background(), &engine.Result{}))
	assert.Error(t, bus.Subscribe(ResultRecorded, func(context.Context, *engine.Result) error { return nil }))
	assert.Equal(t, "unhealthy", bus.Health().Status)
}
