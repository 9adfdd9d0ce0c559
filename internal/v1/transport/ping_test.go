package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPingService_FirstSampleSeedsAverage(t *testing.T) {
	p := &pingService{}
	p.receive(nowSeconds()-0.2, 0.2)

	assert.InDelta(t, 0.2, p.rtt, 0.05)
	assert.InDelta(t, p.rtt, p.avgRtt, 0.001, "first sample seeds the moving average")
	assert.InDelta(t, p.avgRtt/2, p.forwardDelay, 0.001)
}

func TestPingService_MovingAverage(t *testing.T) {
	p := &pingService{}
	p.receive(nowSeconds()-0.1, 0.1)
	first := p.avgRtt

	p.receive(nowSeconds()-0.3, 0.3)

	expected := first*0.85 + p.rtt*0.15
	assert.InDelta(t, expected, p.avgRtt, 0.001)
}

func TestPingService_AsymmetricForwardDelay(t *testing.T) {
	p := &pingService{}
	// The sender saw a much lower round trip than we do, so the extra
	// latency is on the forward path.
	p.receive(nowSeconds()-0.4, 0.1)

	assert.InDelta(t, p.avgRtt/2+(p.rtt-0.1), p.forwardDelay, 0.01)
}

func TestPingService_IgnoresBadSamples(t *testing.T) {
	p := &pingService{}
	p.receive(nowSeconds()-0.2, 0.2)
	avg, fd := p.avgRtt, p.forwardDelay

	// Zero timestamp means the client sent no latencyCalculation
	p.receive(0, 0.1)
	assert.Equal(t, avg, p.avgRtt)
	assert.Equal(t, fd, p.forwardDelay)

	// Negative sender RTT is clock skew noise
	p.receive(nowSeconds()-0.2, -1)
	assert.Equal(t, avg, p.avgRtt)
	assert.Equal(t, fd, p.forwardDelay)

	// A timestamp from the future produces a negative sample
	p.receive(nowSeconds()+5, 0.1)
	assert.Equal(t, avg, p.avgRtt)
}
