package queue

import "math"

// UnknownWait is returned when no staff member is available to serve the queue.
const UnknownWait = -1

// EstimateWaitMinutes returns ceil(rank / activeStaff * averageServiceMinutes),
// or UnknownWait when activeStaff is zero. rank is the 1-based position among
// waiting and called entries.
func EstimateWaitMinutes(rank int, averageServiceMinutes float64, activeStaff int) int {
	if activeStaff <= 0 {
		return UnknownWait
	}
	if rank <= 0 || averageServiceMinutes <= 0 {
		return 0
	}
	return int(math.Ceil(float64(rank) * averageServiceMinutes / float64(activeStaff)))
}
