package deadletter

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/mikey/lead-router/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRingKeepsNewestFirst(t *testing.T) {
	r := NewRing(3, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		r.Record(ctx, core.RawEvent{ID: strconv.Itoa(i), Data: []byte("x")}, errors.New("malformed"))
	}

	got := r.List()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"5", "4", "3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, "malformed", got[0].Cause)
	assert.Equal(t, 5, r.Total())
}

func TestRingPartiallyFilled(t *testing.T) {
	r := NewRing(0, zaptest.NewLogger(t))
	assert.Empty(t, r.List())

	r.Record(context.Background(), core.RawEvent{ID: "a"}, nil)
	got := r.List()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.Empty(t, got[0].Cause)
}

func TestTee(t *testing.T) {
	a := NewRing(2, zaptest.NewLogger(t))
	b := NewRing(2, zaptest.NewLogger(t))

	Tee{a, b}.Record(context.Background(), core.RawEvent{ID: "x"}, errors.New("bad"))
	assert.Equal(t, 1, a.Total())
	assert.Equal(t, 1, b.Total())
}
