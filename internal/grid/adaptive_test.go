package grid

import (
	"context"
	"testing"

	"github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/models"
)

func TestDriftPolicyScopesEndpointToItsOwnClient(t *testing.T) {
	live := NewDriftPolicy(false)
	testnet := NewDriftPolicy(true)

	assert.False(t, binance.UseTestnet, "package-level switch must stay untouched")
	assert.Equal(t, "https://testnet.binance.vision", testnet.client.BaseURL)
	assert.NotEqual(t, testnet.client.BaseURL, live.client.BaseURL)
}

func TestDriftPolicyHoldsWhilePriceNearCenter(t *testing.T) {
	p := NewDriftPolicy(false)
	current := models.GridParams{LowerPrice: 2000, UpperPrice: 3000}

	// Within a quarter-width of center: no venue call, no move.
	next, moved, err := p.Recommend(context.Background(), "ETHUSDT", current, 2600)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Nil(t, next)

	next, moved, err = p.Recommend(context.Background(), "ETHUSDT", current, 0)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Nil(t, next)
}
