package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryGathersWithoutError(t *testing.T) {
	BCRounds.Observe(3)
	BCDecisionSeconds.Observe(0.01)
	RBDeliverySeconds.Observe(0.002)
	DBFTBlockSize.Observe(12)

	families, err := Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestBlockTimerRecordsPositiveDuration(t *testing.T) {
	timer := NewBlockTimer()
	d := timer.Stop()
	require.GreaterOrEqual(t, d.Nanoseconds(), int64(0))
}
