package epoxy_test

import (
	"testing"

	"github.com/nimbusrun/nimbus/internal/epoxy"
	"github.com/stretchr/testify/require"
)

func TestFastQuorum(t *testing.T) {
	require.Equal(t, 1, epoxy.FastQuorum(1))
	require.Equal(t, 3, epoxy.FastQuorum(3))
	require.Equal(t, 4, epoxy.FastQuorum(5))
}

func TestSlowQuorum(t *testing.T) {
	require.Equal(t, 1, epoxy.SlowQuorum(1))
	require.Equal(t, 2, epoxy.SlowQuorum(3))
	require.Equal(t, 3, epoxy.SlowQuorum(5))
}
