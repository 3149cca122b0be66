package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateNumItemsToQueue(t *testing.T) {
	cases := []struct {
		name        string
		pods        int
		schedulers  int
		queued      int
		scaleFactor float64
		received    int
		expected    int
	}{
		{"no pods still trickles one item", 0, 1, 0, 1.1, 0, 1},
		{"steady state tops up to target", 100, 1, 20, 1.1, 1, 90},
		{"target split across replicas", 100, 2, 20, 1.0, 1, 30},
		{"starvation branch caps at pods minus queued", 100, 1, 5, 1.0, 200, 95},
		{"full queue dispatches nothing", 100, 1, 110, 1.1, 1, 0},
		{"starvation bounded by received", 100, 1, 5, 1.0, 3, 3},
		{"starvation floor of one", 10, 1, 1, 1.0, 0, 1},
		{"zero schedulers treated as one", 100, 0, 20, 1.0, 1, 80},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateNumItemsToQueue(tc.pods, tc.schedulers, tc.queued, tc.scaleFactor, tc.received)
			assert.Equal(t, tc.expected, got)
		})
	}
}
