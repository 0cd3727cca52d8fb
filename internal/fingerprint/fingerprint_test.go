package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterline/internal/fingerprint"
)

func TestSimulationIsDeterministic(t *testing.T) {
	params := map[string]any{
		"horizon":    30,
		"iterations": 10000,
		"drift":      0.05,
	}
	a, err := fingerprint.Simulation("model-a", "v2", params, 1000, 42, "montecarlo")
	require.NoError(t, err)
	b, err := fingerprint.Simulation("model-a", "v2", params, 1000, 42, "montecarlo")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestSimulationIgnoresParameterOrder(t *testing.T) {
	a, err := fingerprint.Simulation("model-a", "v2", map[string]any{
		"alpha": 1,
		"beta":  2,
		"nested": map[string]any{
			"x": 1,
			"y": 2,
		},
	}, 1000, 1, "")
	require.NoError(t, err)
	b, err := fingerprint.Simulation("model-a", "v2", map[string]any{
		"nested": map[string]any{
			"y": 2,
			"x": 1,
		},
		"beta":  2,
		"alpha": 1,
	}, 1000, 1, "")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSimulationSensitiveToEveryField(t *testing.T) {
	base := func() (string, error) {
		return fingerprint.Simulation("model-a", "v2", map[string]any{"k": 1}, 1000, 42, "fast")
	}
	ref, err := base()
	require.NoError(t, err)

	variants := []struct {
		name string
		fn   func() (string, error)
	}{
		{"model", func() (string, error) {
			return fingerprint.Simulation("model-b", "v2", map[string]any{"k": 1}, 1000, 42, "fast")
		}},
		{"version", func() (string, error) {
			return fingerprint.Simulation("model-a", "v3", map[string]any{"k": 1}, 1000, 42, "fast")
		}},
		{"params", func() (string, error) {
			return fingerprint.Simulation("model-a", "v2", map[string]any{"k": 2}, 1000, 42, "fast")
		}},
		{"units", func() (string, error) {
			return fingerprint.Simulation("model-a", "v2", map[string]any{"k": 1}, 2000, 42, "fast")
		}},
		{"seed", func() (string, error) {
			return fingerprint.Simulation("model-a", "v2", map[string]any{"k": 1}, 1000, 43, "fast")
		}},
		{"mode", func() (string, error) {
			return fingerprint.Simulation("model-a", "v2", map[string]any{"k": 1}, 1000, 42, "slow")
		}},
	}
	for _, v := range variants {
		got, err := v.fn()
		require.NoError(t, err, v.name)
		assert.NotEqual(t, ref, got, "changing %s must change the fingerprint", v.name)
	}
}

func TestSimulationValidation(t *testing.T) {
	_, err := fingerprint.Simulation("", "", nil, 1000, 0, "")
	assert.Error(t, err)
	_, err = fingerprint.Simulation("model-a", "", nil, 0, 0, "")
	assert.Error(t, err)
	_, err = fingerprint.Simulation("  ", "", nil, 1000, 0, "")
	assert.Error(t, err)
}

func TestSimulationTrimsWhitespace(t *testing.T) {
	a, err := fingerprint.Simulation(" model-a ", " v2 ", nil, 1000, 1, " fast ")
	require.NoError(t, err)
	b, err := fingerprint.Simulation("model-a", "v2", nil, 1000, 1, "fast")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
