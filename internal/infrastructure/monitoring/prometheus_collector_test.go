package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// One collector for the whole test: promauto registers against the
// default registry, and a second registration would panic.
func TestCollector_RecordsAllSeries(t *testing.T) {
	c := NewPrometheusCollector()

	c.RecordConnectionOpened()
	c.RecordConnectionOpened()
	c.RecordConnectionClosed()
	assert.Equal(t, float64(2), testutil.ToFloat64(c.connectionsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.connectionsLocal))

	c.SetNodeLinksOpen(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(c.nodeLinksOpen))

	c.RecordEventRouted(true)
	c.RecordEventRouted(false)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.eventsRouted.WithLabelValues("delivered")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.eventsRouted.WithLabelValues("dropped")))

	c.RecordTokenIssued()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.tokensIssued))

	c.RecordRelayRejected("FORBIDDEN")
	assert.Equal(t, float64(1), testutil.ToFloat64(c.relaysRejected.WithLabelValues("FORBIDDEN")))

	c.RecordFortuneCollision()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.fortuneCollisions))

	c.RecordBackplaneSend(2 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(c.backplaneSendDuration))

	c.RecordPresenceOp("lookup", time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(c.presenceOpDuration))
}
