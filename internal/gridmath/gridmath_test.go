package gridmath

import (
	"math/rand"
	"testing"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// TestComputeLevelsScenario checks the 3-level, 10% ladder around 100.
func TestComputeLevelsScenario(t *testing.T) {
	bounds, err := ComputeLevels(d("100"), d("10"), 3)
	require.NoError(t, err)
	require.Len(t, bounds, 4)

	assert.True(t, bounds[0].Equal(d("95")), "lower bound, got %s", bounds[0])
	assert.Equal(t, "98.33", bounds[1].Round(2).String())
	assert.Equal(t, "101.67", bounds[2].Round(2).String())
	assert.True(t, bounds[3].Equal(d("105")), "upper bound, got %s", bounds[3])
}

// TestComputeLevelsProperties verifies count, monotonicity, span and determinism over random inputs.
func TestComputeLevelsProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		price := decimal.NewFromFloat(0.0001 + rng.Float64()*100000).Round(6)
		rangePct := decimal.NewFromFloat(0.5 + rng.Float64()*150).Round(2)
		levels := 1 + rng.Intn(200)

		bounds, err := ComputeLevels(price, rangePct, levels)
		require.NoError(t, err, "price=%s range=%s levels=%d", price, rangePct, levels)
		require.Len(t, bounds, levels+1)

		for j := 1; j < len(bounds); j++ {
			require.True(t, bounds[j].GreaterThan(bounds[j-1]), "boundaries must strictly increase at %d", j)
		}

		half := price.Mul(rangePct).Div(d("200"))
		assert.True(t, bounds[0].Equal(price.Sub(half)))
		assert.True(t, bounds[levels].Equal(price.Add(half)))

		again, err := ComputeLevels(price, rangePct, levels)
		require.NoError(t, err)
		for j := range bounds {
			require.Equal(t, bounds[j].String(), again[j].String(), "ComputeLevels must be deterministic")
		}
	}
}

func TestComputeLevelsInvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		price  string
		rng    string
		levels int
	}{
		{"zero levels", "100", "10", 0},
		{"negative levels", "100", "10", -3},
		{"zero price", "0", "10", 3},
		{"zero range", "100", "0", 3},
		{"range too wide", "100", "200", 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ComputeLevels(d(tc.price), d(tc.rng), tc.levels)
			assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
		})
	}
}

func TestComputeOrderAmount(t *testing.T) {
	amount, err := ComputeOrderAmount(d("1000"), 10, d("50000"))
	require.NoError(t, err)
	assert.True(t, amount.Equal(d("0.002")), "got %s", amount)

	amount, err = ComputeOrderAmount(d("100"), 3, d("30"))
	require.NoError(t, err)
	assert.Equal(t, "1.11111111", amount.String(), "amount is truncated to 8 decimals")

	_, err = ComputeOrderAmount(d("100"), 0, d("30"))
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)

	_, err = ComputeOrderAmount(d("0"), 3, d("30"))
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)

	_, err = ComputeOrderAmount(d("-5"), 3, d("30"))
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

// TestBuildStepsPartition verifies steps share boundaries without gaps or overlaps.
func TestBuildStepsPartition(t *testing.T) {
	bounds, err := ComputeLevels(d("100"), d("10"), 5)
	require.NoError(t, err)

	steps := BuildSteps(bounds)
	require.Len(t, steps, 5)
	for i, st := range steps {
		assert.Equal(t, i, st.Level)
		assert.Equal(t, models.StepEmpty, st.State)
		assert.True(t, st.Lower.LessThan(st.Upper))
		if i > 0 {
			assert.True(t, steps[i-1].Upper.Equal(st.Lower), "step %d must start where step %d ends", i, i-1)
		}
	}
	assert.Nil(t, BuildSteps(bounds[:1]))
}

func TestStopLossAndRange(t *testing.T) {
	assert.True(t, StopLossPrice(d("95"), d("5")).Equal(d("90.25")))
	assert.True(t, InRange(d("100"), d("95"), d("105")))
	assert.True(t, InRange(d("95"), d("95"), d("105")))
	assert.False(t, InRange(d("105.01"), d("95"), d("105")))
}

func TestFingerprintAndValidate(t *testing.T) {
	cfg := models.GridConfig{Pair: "BTC/USDT", TotalCapital: d("1000"), GridLevels: 10, PriceRangePercent: d("10")}
	require.NoError(t, Validate(cfg))

	changed := cfg
	changed.GridLevels = 12
	assert.NotEqual(t, Fingerprint(cfg), Fingerprint(changed))
	assert.Equal(t, Fingerprint(cfg), Fingerprint(cfg))

	bad := cfg
	bad.TotalCapital = decimal.Zero
	assert.ErrorIs(t, Validate(bad), models.ErrInvalidConfiguration)

	bad = cfg
	bad.EnableStopLoss = true
	assert.ErrorIs(t, Validate(bad), models.ErrInvalidConfiguration, "stop loss without percent")
}
