package scheduler

import "math"

// CalculateNumItemsToQueue decides how many work items to dispatch to one
// service queue this cycle.
//
// The starvation branch keeps a nearly idle service fed: when the queue holds
// one tenth of the pod count or less, dispatch enough to cover the idle pods,
// bounded by how many schedule requests arrived. Otherwise aim the queue depth
// at scaleFactor*pods divided across scheduler replicas, and top up by one when
// both the target surplus and the queue are zero so a service never stalls
// forever.
func CalculateNumItemsToQueue(pods, schedulers, queued int, scaleFactor float64, received int) int {
	if float64(queued) <= 0.1*float64(pods) {
		n := pods - queued
		if received < n {
			n = received
		}
		if n < 1 {
			n = 1
		}
		return n
	}

	if schedulers < 1 {
		schedulers = 1
	}
	n := int(math.Floor(scaleFactor*float64(pods)/float64(schedulers))) - queued
	if n < 0 {
		n = 0
	}
	if n == 0 && queued == 0 {
		n = 1
	}
	return n
}
