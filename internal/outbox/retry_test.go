package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFullJitterBackoff_Bounds(t *testing.T) {
	base := time.Second
	cap := time.Minute

	for i := 0; i < 200; i++ {
		d := FullJitterBackoff(3, base, cap)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, 8*time.Second)
	}
}

func TestFullJitterBackoff_Cap(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := FullJitterBackoff(30, time.Second, time.Minute)
		require.Less(t, d, time.Minute)
	}
}

func TestFullJitterBackoff_Defaults(t *testing.T) {
	d := FullJitterBackoff(-5, 0, 0)
	require.GreaterOrEqual(t, d, time.Duration(0))
	require.Less(t, d, time.Second)
}
