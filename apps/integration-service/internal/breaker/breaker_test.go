package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(Settings{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 100 * time.Millisecond}, zap.NewNop())
}

func fail(r *Registry, id string) error {
	_, err := r.Execute(id, func() (interface{}, error) { return nil, errors.New("boom") })
	return err
}

func TestExecutePassesThroughWhenClosed(t *testing.T) {
	r := testRegistry(t)

	out, err := r.Execute("c1", func() (interface{}, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, gobreaker.StateClosed, r.State("c1"))
}

func TestExecuteTripsAfterConsecutiveFailures(t *testing.T) {
	r := testRegistry(t)

	require.Error(t, fail(r, "c1"))
	require.Error(t, fail(r, "c1"))
	assert.Equal(t, gobreaker.StateOpen, r.State("c1"))

	// Open breaker fails fast with the taxonomy code and a retry hint.
	_, err := r.Execute("c1", func() (interface{}, error) {
		t.Fatal("fn must not run while open")
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCircuitOpen, apperr.CodeOf(err))
	ae := apperr.AsError(err)
	require.NotNil(t, ae)
	assert.Greater(t, ae.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, ae.RetryAfter, time.Second)
}

func TestBreakersIsolatedPerConnection(t *testing.T) {
	r := testRegistry(t)

	require.Error(t, fail(r, "c1"))
	require.Error(t, fail(r, "c1"))
	require.Equal(t, gobreaker.StateOpen, r.State("c1"))

	// A sibling connection to the same provider is unaffected.
	out, err := r.Execute("c2", func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	r := testRegistry(t)

	require.Error(t, fail(r, "c1"))
	require.Error(t, fail(r, "c1"))
	require.Equal(t, gobreaker.StateOpen, r.State("c1"))

	time.Sleep(150 * time.Millisecond)

	out, err := r.Execute("c1", func() (interface{}, error) { return "recovered", nil })
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, gobreaker.StateClosed, r.State("c1"))
}

func TestOpenError(t *testing.T) {
	r := testRegistry(t)

	assert.NoError(t, r.OpenError("c1"))

	require.Error(t, fail(r, "c1"))
	require.Error(t, fail(r, "c1"))

	err := r.OpenError("c1")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCircuitOpen, apperr.CodeOf(err))
}

func TestStateUnknownConnectionIsClosed(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, gobreaker.StateClosed, r.State("never-called"))
}
