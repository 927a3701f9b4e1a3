package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRankIsMonotonic(t *testing.T) {
	order := []TripStatus{StatusRequested, StatusSearching, StatusAccepted, StatusDriverArriving, StatusPickedUp, StatusInProgress, StatusCompleted}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank(), "%s should rank above %s", order[i], order[i-1])
	}
	assert.Equal(t, StatusCompleted.Rank(), StatusCancelled.Rank())
	assert.Equal(t, -1, TripStatus("BOGUS").Rank())
}

func TestParseTripStatus(t *testing.T) {
	s, err := ParseTripStatus("IN_PROGRESS")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, s)

	_, err = ParseTripStatus("in_progress")
	assert.Error(t, err)
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusInProgress.Terminal())
}

func TestCloneDoesNotAlias(t *testing.T) {
	now := time.Now()
	fare := 12.5
	rating := 4
	orig := &Trip{ID: "t1", AcceptedAt: &now, FinalFare: &fare, Rating: &rating}

	c := orig.Clone()
	*c.FinalFare = 99
	*c.Rating = 1
	later := now.Add(time.Hour)
	c.AcceptedAt = &later

	assert.Equal(t, 12.5, *orig.FinalFare)
	assert.Equal(t, 4, *orig.Rating)
	assert.Equal(t, now, *orig.AcceptedAt)
}

func TestUnavailableWraps(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Unavailable("geo", cause)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NoError(t, Unavailable("geo", nil))
}
