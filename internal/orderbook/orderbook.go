package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/prediction-api/internal/types"
)

var (
	// ErrOrderNotFound is returned by Cancel when the order rests on neither side.
	ErrOrderNotFound = errors.New("order not found")
	// ErrNotOrderOwner is returned when a caller tries to cancel an order
	// belonging to another user. The order stays on the book.
	ErrNotOrderOwner = errors.New("order belongs to another user")
)

// neutralPrice is the starting contract price for a fresh book.
const neutralPrice = 50

// Order is a resting or incoming order. Amount is the remaining unfilled
// quantity and decreases on partial fills.
type Order struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Side      string    `json:"side"`     // buy or sell
	Position  string    `json:"position"` // yes or no
	Price     int64     `json:"price"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Trade records a single match between two resting orders.
type Trade struct {
	ID          string    `json:"id"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id"`
	BuyUserID   string    `json:"buy_user_id"`
	SellUserID  string    `json:"sell_user_id"`
	Price       int64     `json:"price"`
	Amount      int64     `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

// Level aggregates resting orders sharing a price.
type Level struct {
	Price      int64 `json:"price"`
	Amount     int64 `json:"amount"`
	OrderCount int   `json:"order_count"`
}

// Depth is a price-level view of both sides of the book.
type Depth struct {
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
	LastPrice int64   `json:"last_price"`
	Spread    int64   `json:"spread"`
}

// Stats summarises the live state of one book.
type Stats struct {
	BuyOrderCount  int   `json:"buy_order_count"`
	SellOrderCount int   `json:"sell_order_count"`
	TotalTrades    int   `json:"total_trades"`
	LastPrice      int64 `json:"last_price"`
	Volume24h      int64 `json:"volume_24h"`
	MarketPrice    int64 `json:"market_price"`
}

// Book is the limit order book for a single event. Yes/no positions are
// normalized onto a single buy/sell axis: buying yes and selling no are both
// effective buys of the underlying contract. Buy orders are kept sorted by
// descending price, sell orders by ascending price; the stable sort preserves
// submission order within a price, which gives price-time priority.
type Book struct {
	mu sync.Mutex

	eventID    string
	buyOrders  []*Order
	sellOrders []*Order
	trades     []Trade
	lastPrice  int64
}

// NewBook creates an empty book for the given event.
func NewBook(eventID string) *Book {
	return &Book{
		eventID:   eventID,
		lastPrice: neutralPrice,
	}
}

// EventID returns the event this book belongs to.
func (b *Book) EventID() string {
	return b.eventID
}

// isEffectiveBuy reports whether a (side, position) pair is a buy of the
// underlying contract.
func isEffectiveBuy(side, position string) bool {
	return (side == types.SideBuy && position == types.PositionYes) ||
		(side == types.SideSell && position == types.PositionNo)
}

// AddOrder inserts the order on the correct side and runs the matching loop.
// It returns the booked order entry and all trades produced by this
// insertion. The caller is responsible for rejecting zero-amount orders
// before they reach the book.
func (b *Book) AddOrder(userID, side, position string, price, amount int64) (*Order, []Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := &Order{
		ID:        "order_" + uuid.New().String(),
		UserID:    userID,
		Side:      side,
		Position:  position,
		Price:     price,
		Amount:    amount,
		Timestamp: time.Now(),
	}

	if isEffectiveBuy(side, position) {
		b.buyOrders = append(b.buyOrders, entry)
		sort.SliceStable(b.buyOrders, func(i, j int) bool {
			return b.buyOrders[i].Price > b.buyOrders[j].Price
		})
	} else {
		b.sellOrders = append(b.sellOrders, entry)
		sort.SliceStable(b.sellOrders, func(i, j int) bool {
			return b.sellOrders[i].Price < b.sellOrders[j].Price
		})
	}

	log.Debug().
		Str("event_id", b.eventID).
		Str("order_id", entry.ID).
		Str("side", side).
		Str("position", position).
		Int64("price", price).
		Int64("amount", amount).
		Msg("order added to book")

	return entry, b.matchOrders()
}

// matchOrders crosses the book while the best buy price meets or exceeds the
// best sell price. The match price is the rounded midpoint of the two resting
// prices; the match amount is the smaller remaining amount. Fully filled
// orders are removed, preserving the ordering of the remainder. Caller holds
// the lock.
func (b *Book) matchOrders() []Trade {
	var matches []Trade

	for len(b.buyOrders) > 0 && len(b.sellOrders) > 0 {
		topBuy := b.buyOrders[0]
		topSell := b.sellOrders[0]

		if topBuy.Price < topSell.Price {
			break
		}

		matchPrice := midpoint(topBuy.Price, topSell.Price)
		matchAmount := min64(topBuy.Amount, topSell.Amount)

		trade := Trade{
			ID:          "match_" + uuid.New().String(),
			BuyOrderID:  topBuy.ID,
			SellOrderID: topSell.ID,
			BuyUserID:   topBuy.UserID,
			SellUserID:  topSell.UserID,
			Price:       matchPrice,
			Amount:      matchAmount,
			Timestamp:   time.Now(),
		}

		matches = append(matches, trade)
		b.trades = append(b.trades, trade)
		b.lastPrice = matchPrice

		topBuy.Amount -= matchAmount
		topSell.Amount -= matchAmount

		if topBuy.Amount == 0 {
			b.buyOrders = b.buyOrders[1:]
		}
		if topSell.Amount == 0 {
			b.sellOrders = b.sellOrders[1:]
		}
	}

	if len(matches) > 0 {
		log.Info().
			Str("event_id", b.eventID).
			Int("match_count", len(matches)).
			Int64("last_price", b.lastPrice).
			Msg("orders matched")
	}

	return matches
}

// MarketPrice returns the rounded midpoint of the best bid and ask, the lone
// side's best price when only one side is populated, or the last trade price
// on an empty book.
func (b *Book) MarketPrice() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marketPrice()
}

func (b *Book) marketPrice() int64 {
	switch {
	case len(b.buyOrders) == 0 && len(b.sellOrders) == 0:
		return b.lastPrice
	case len(b.buyOrders) == 0:
		return b.sellOrders[0].Price
	case len(b.sellOrders) == 0:
		return b.buyOrders[0].Price
	default:
		return midpoint(b.buyOrders[0].Price, b.sellOrders[0].Price)
	}
}

// Depth aggregates resting orders by price level, best-first, returning up to
// levels entries per side.
func (b *Book) Depth(levels int) Depth {
	b.mu.Lock()
	defer b.mu.Unlock()

	bids := aggregateLevels(b.buyOrders, levels)
	asks := aggregateLevels(b.sellOrders, levels)

	var spread int64
	if len(bids) > 0 && len(asks) > 0 {
		spread = asks[0].Price - bids[0].Price
	}

	return Depth{
		Bids:      bids,
		Asks:      asks,
		LastPrice: b.lastPrice,
		Spread:    spread,
	}
}

// aggregateLevels folds an already sorted order slice into price levels.
func aggregateLevels(orders []*Order, levels int) []Level {
	aggregated := make([]Level, 0, levels)
	for _, o := range orders {
		if n := len(aggregated); n > 0 && aggregated[n-1].Price == o.Price {
			aggregated[n-1].Amount += o.Amount
			aggregated[n-1].OrderCount++
			continue
		}
		if len(aggregated) == levels {
			break
		}
		aggregated = append(aggregated, Level{Price: o.Price, Amount: o.Amount, OrderCount: 1})
	}
	return aggregated
}

// Cancel removes the order from whichever side it rests on and returns it.
func (b *Book) Cancel(orderID string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel(orderID, "")
}

// CancelForUser cancels an order only when it belongs to userID. An order
// owned by someone else is left resting.
func (b *Book) CancelForUser(orderID, userID string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel(orderID, userID)
}

// cancel removes the order, optionally enforcing ownership. Caller holds
// the lock.
func (b *Book) cancel(orderID, userID string) (*Order, error) {
	remove := func(side *[]*Order) (*Order, error) {
		for i, o := range *side {
			if o.ID != orderID {
				continue
			}
			if userID != "" && o.UserID != userID {
				return nil, fmt.Errorf("%w: %s", ErrNotOrderOwner, orderID)
			}
			*side = append((*side)[:i], (*side)[i+1:]...)
			log.Info().Str("event_id", b.eventID).Str("order_id", orderID).Msg("order cancelled")
			return o, nil
		}
		return nil, nil
	}

	if o, err := remove(&b.buyOrders); o != nil || err != nil {
		return o, err
	}
	if o, err := remove(&b.sellOrders); o != nil || err != nil {
		return o, err
	}

	return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

// RecentTrades returns the last limit trades in chronological order.
func (b *Book) RecentTrades(limit int) []Trade {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit > len(b.trades) {
		limit = len(b.trades)
	}
	tail := b.trades[len(b.trades)-limit:]
	out := make([]Trade, len(tail))
	copy(out, tail)
	return out
}

// Stats returns a summary of the book's current state.
func (b *Book) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		BuyOrderCount:  len(b.buyOrders),
		SellOrderCount: len(b.sellOrders),
		TotalTrades:    len(b.trades),
		LastPrice:      b.lastPrice,
		Volume24h:      b.volume24h(),
		MarketPrice:    b.marketPrice(),
	}
}

func (b *Book) volume24h() int64 {
	cutoff := time.Now().Add(-24 * time.Hour)
	var volume int64
	for _, t := range b.trades {
		if !t.Timestamp.Before(cutoff) {
			volume += t.Amount
		}
	}
	return volume
}

// midpoint rounds half up, matching integer contract pricing.
func midpoint(a, b int64) int64 {
	return (a + b + 1) / 2
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
