package optimization

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		name string
		want Algorithm
	}{
		{"newton", Newton},
		{"Steepest descent", SteepestDescent},
		{"SD", SteepestDescent},
		{"PR+", CGPolakRibierePlus},
		{"polak-ribiere+", CGPolakRibierePlus},
		{"cg-steihaug", SteihaugCG},
		{"levenburg-marquardt", LevenbergMarquardt},
		{"LM", LevenbergMarquardt},
		{"  dogleg ", Dogleg},
		{"grid", GridSearch},
		{"method of multipliers", MethodOfMultipliers},
		{"CD", CoordinateDescent},
		{"coordinate-descent", CoordinateDescent},
		{"NCG", NewtonCG},
		{"Newton-CG", NewtonCG},
		{"Log barrier", LogBarrier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAlgorithm(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseAlgorithm("simulated annealing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSettings))
}

func TestAlgorithmNamesRoundTrip(t *testing.T) {
	for a := SteepestDescent; a <= LogBarrier; a++ {
		got, err := ParseAlgorithm(a.String())
		require.NoError(t, err, a.String())
		assert.Equal(t, a, got)
	}
}

func TestAlgorithmJSON(t *testing.T) {
	var req struct {
		Algorithm Algorithm `json:"algorithm"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"algorithm":"cg_hs"}`), &req))
	assert.Equal(t, CGHestenesStiefel, req.Algorithm)

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"algorithm":"cg_hs"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"algorithm":"bogus"}`), &req))
}

func TestAlgorithmNeeds(t *testing.T) {
	assert.Equal(t, Needs{}, Simplex.Needs())
	assert.Equal(t, Needs{}, GridSearch.Needs())
	assert.Equal(t, Needs{Gradient: true}, CGFletcherReeves.Needs())
	assert.Equal(t, Needs{Gradient: true, Hessian: true}, Dogleg.Needs())
	assert.Equal(t, Needs{Residuals: true}, LevenbergMarquardt.Needs())
	assert.Equal(t, Needs{Gradient: true, Hessian: true}, NewtonCG.Needs())
	assert.Equal(t, Needs{Gradient: true}, CoordinateDescent.Needs())
	assert.Equal(t, Needs{Gradient: true}, LogBarrier.Needs())
	assert.True(t, LogBarrier.IsConstrained())
	assert.False(t, Newton.IsConstrained())

	assert.True(t, SteihaugCG.IsTrustRegion())
	assert.False(t, Newton.IsTrustRegion())
	assert.True(t, CGPolakRibierePlus.IsConjugateGradient())
	assert.False(t, BFGS.IsConjugateGradient())
}

func TestReasonString(t *testing.T) {
	assert.Equal(t, "converged", Converged.String())
	assert.Equal(t, "max_iterations", MaxIterations.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "unknown", Reason(42).String())
}

func TestErrorFormatting(t *testing.T) {
	err := WrapErrorf(ErrSingularSystem, "pivot %d vanished", 3).
		WithComponent("minimise").WithOperation("lm.step")
	assert.Equal(t, "minimise: lm.step: pivot 3 vanished: singular linear system", err.Error())
	assert.True(t, errors.Is(err, ErrSingularSystem))

	e, ok := IsOptimizationError(err)
	require.True(t, ok)
	assert.Equal(t, "lm.step", e.Op)

	assert.Nil(t, WrapError(nil, "nothing"))

	user := UserError("func", errors.New("boom"))
	assert.True(t, errors.Is(user, ErrUserFunction))
	assert.Contains(t, user.Error(), "boom")
}
