package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCell_SuccessDeliveredToLateHandler(t *testing.T) {
	c := New[int]()
	c.Success(42)

	var got int
	c.OnSuccess(func(v int) { got = v })
	assert.Equal(t, 42, got)
}

func TestCell_SuccessDeliveredToEarlyHandler(t *testing.T) {
	c := New[int]()
	var got int
	c.OnSuccess(func(v int) { got = v })
	c.Success(7)
	assert.Equal(t, 7, got)
}

func TestCell_OnlyFirstCompletionWins(t *testing.T) {
	c := New[int]()
	c.Success(1)
	c.Success(2)
	c.Failure(errors.New("boom"))

	v, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCell_Get_RespectsContextCancellation(t *testing.T) {
	c := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompletedAndFailed(t *testing.T) {
	ok := Completed("value")
	v, err := ok.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	failErr := errors.New("nope")
	bad := Failed[string](failErr)
	_, err = bad.Get(context.Background())
	assert.Same(t, failErr, err)
}
