package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/prediction-api/internal/types"
)

func TestRegistryGetCreatesLazily(t *testing.T) {
	registry := NewRegistry()

	book := registry.Get("event-1")
	require.NotNil(t, book)
	assert.Equal(t, "event-1", book.EventID())

	// Same event returns the same book.
	assert.Same(t, book, registry.Get("event-1"))
	assert.NotSame(t, book, registry.Get("event-2"))
}

func TestRegistryRemove(t *testing.T) {
	registry := NewRegistry()

	registry.Get("event-1")
	assert.True(t, registry.Remove("event-1"))
	assert.False(t, registry.Remove("event-1"))

	// A removed event gets a fresh book on next access.
	book := registry.Get("event-1")
	assert.Equal(t, 0, book.Stats().TotalTrades)
}

func TestRegistryListAll(t *testing.T) {
	registry := NewRegistry()

	registry.Get("event-1").AddOrder("alice", types.SideBuy, types.PositionYes, 40, 10)
	registry.Get("event-2")

	summaries := registry.ListAll()
	require.Len(t, summaries, 2)

	byEvent := make(map[string]Stats, len(summaries))
	for _, s := range summaries {
		byEvent[s.EventID] = s.Stats
	}
	assert.Equal(t, 1, byEvent["event-1"].BuyOrderCount)
	assert.Equal(t, 0, byEvent["event-2"].BuyOrderCount)
}
