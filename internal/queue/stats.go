package queue

import "fmt"

// Stats is a point-in-time view of the queue manager.
type Stats struct {
	Conversations  int   // users with queued or processing messages
	Queued         int   // messages waiting across all users
	Processing     int   // messages currently being processed
	WaitingWorkers int   // idle workers blocked on RequestMessage
	Submitted      int64 // total accepted by Submit
	Completed      int64
	Failed         int64
	Dropped        int64 // rejected by the rate limiter
}

// String renders the stats on one line.
func (s Stats) String() string {
	return fmt.Sprintf("queued=%d processing=%d users=%d idle_workers=%d completed=%d failed=%d dropped=%d",
		s.Queued, s.Processing, s.Conversations, s.WaitingWorkers, s.Completed, s.Failed, s.Dropped)
}
