package transport

import (
	"time"

	"github.com/cinesync/cinesync/internal/v1/types"
)

// nowSeconds returns wall-clock time as float seconds, the unit the wire
// protocol exchanges timestamps in.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// pingService measures the round trip to one client from the latency
// timestamps echoed in State frames and derives the forward delay used to
// age-adjust reported positions. Not safe for concurrent use; the owning
// connection serializes access.
type pingService struct {
	rtt          float64
	avgRtt       float64
	forwardDelay float64
}

// newTimestamp mints the latencyCalculation value for an outbound State.
func (p *pingService) newTimestamp() float64 {
	return nowSeconds()
}

// receive folds one echoed timestamp into the moving average. Clock skew can
// produce negative samples; those are discarded.
func (p *pingService) receive(timestamp, senderRtt float64) {
	if timestamp == 0 {
		return
	}
	p.rtt = nowSeconds() - timestamp
	if p.rtt < 0 || senderRtt < 0 {
		return
	}
	if p.avgRtt == 0 {
		p.avgRtt = p.rtt
	}
	p.avgRtt = p.avgRtt*types.PingMovingAverageWeight + p.rtt*(1-types.PingMovingAverageWeight)
	if senderRtt < p.rtt {
		p.forwardDelay = p.avgRtt/2 + (p.rtt - senderRtt)
	} else {
		p.forwardDelay = p.avgRtt / 2
	}
}
