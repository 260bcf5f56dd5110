package nats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReuseConnection(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))

	nc1, release1, err := connect()
	require.NoError(t, err)
	nc2, release2, err := connect()
	require.NoError(t, err)
	require.Same(t, nc1, nc2)

	release1()
	require.False(t, nc1.IsClosed())
	release2()
	require.True(t, nc1.IsClosed())

	// A fresh lease after full release dials a new connection.
	nc3, release3, err := connect()
	require.NoError(t, err)
	require.False(t, nc3.IsClosed())
	release3()
}
