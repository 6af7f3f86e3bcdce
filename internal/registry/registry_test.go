package registry

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMultipleConnections(t *testing.T) {
	r := New()
	user := uuid.New()
	phone, laptop := uuid.New(), uuid.New()

	assert.True(t, r.Register(user, phone))
	assert.False(t, r.Register(user, laptop))
	assert.True(t, r.IsOnline(user))
	assert.ElementsMatch(t, []uuid.UUID{phone, laptop}, r.ConnectionsFor(user))

	owner, last, ok := r.Unregister(phone)
	require.True(t, ok)
	assert.Equal(t, user, owner)
	assert.False(t, last)
	assert.True(t, r.IsOnline(user))

	_, last, ok = r.Unregister(laptop)
	require.True(t, ok)
	assert.True(t, last)
	assert.False(t, r.IsOnline(user))
	assert.Empty(t, r.ConnectionsFor(user))
	assert.Empty(t, r.OnlineUsers())
}

func TestUnregisterTwiceIsNoop(t *testing.T) {
	r := New()
	user, conn := uuid.New(), uuid.New()
	r.Register(user, conn)

	_, _, ok := r.Unregister(conn)
	assert.True(t, ok)
	_, last, ok := r.Unregister(conn)
	assert.False(t, ok)
	assert.False(t, last)
	assert.Zero(t, r.Count())
}

func TestConnectionBelongsToOneUser(t *testing.T) {
	r := New()
	a, b, conn := uuid.New(), uuid.New(), uuid.New()

	r.Register(a, conn)
	r.Register(b, conn)

	assert.Equal(t, []uuid.UUID{conn}, r.ConnectionsFor(b))
	assert.Empty(t, r.ConnectionsFor(a))
	assert.False(t, r.IsOnline(a))
	assert.Equal(t, 1, r.Count())
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New()
	user := uuid.New()

	const n = 64
	conns := make([]uuid.UUID, n)
	for i := range conns {
		conns[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c uuid.UUID) {
			defer wg.Done()
			r.Register(user, c)
			_ = r.IsOnline(user)
			r.Unregister(c)
		}(c)
	}
	wg.Wait()

	assert.False(t, r.IsOnline(user))
	assert.Zero(t, r.Count())
}
