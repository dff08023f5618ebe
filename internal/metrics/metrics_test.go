package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

func TestPauseStateValue(t *testing.T) {
	assert.Equal(t, 0.0, PauseStateValue(domain.BuyPauseActive))
	assert.Equal(t, 1.0, PauseStateValue(domain.BuyPauseThrottled))
	assert.Equal(t, 2.0, PauseStateValue(domain.BuyPausePaused))
}

func TestOrdersCounter(t *testing.T) {
	before := testutil.ToFloat64(Orders.WithLabelValues("buy", "placed"))
	Orders.WithLabelValues("buy", "placed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Orders.WithLabelValues("buy", "placed")))
}
