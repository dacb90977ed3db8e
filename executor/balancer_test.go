package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinRotatesReadyFirst(t *testing.T) {
	rr := RoundRobin()
	ready := []bool{true, false, true, false}

	assert.Equal(t, []int{0, 2, 1, 3}, rr.Order(ready))
	assert.Equal(t, []int{2, 0, 1, 3}, rr.Order(ready))
	assert.Equal(t, []int{2, 0, 3, 1}, rr.Order(ready))
	assert.Equal(t, []int{0, 2, 3, 1}, rr.Order(ready))
	assert.Empty(t, rr.Order(nil))
}

func TestFirstFreeOrder(t *testing.T) {
	ff := FirstFree()
	ready := []bool{false, true, false, true}
	assert.Equal(t, []int{1, 3, 0, 2}, ff.Order(ready))
	assert.Equal(t, []int{1, 3, 0, 2}, ff.Order(ready))
}

func TestBalancerByName(t *testing.T) {
	for _, name := range []string{"", "round_robin", "first_free"} {
		f, err := BalancerByName(name)
		require.NoError(t, err, name)
		assert.Len(t, f().Order([]bool{false, false}), 2)
	}

	_, err := BalancerByName("least_loaded")
	assert.Error(t, err)
}
