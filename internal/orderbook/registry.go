package orderbook

import "sync"

// BookSummary pairs an event with its book statistics, for reporting.
type BookSummary struct {
	EventID string `json:"event_id"`
	Stats   Stats  `json:"stats"`
}

// Registry owns one Book per event. Books are created lazily on first
// access; looking up an unknown event returns a fresh empty book rather
// than an error.
type Registry struct {
	mu    sync.Mutex
	books map[string]*Book
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{books: make(map[string]*Book)}
}

// Get returns the book for the event, creating it on first access.
func (r *Registry) Get(eventID string) *Book {
	r.mu.Lock()
	defer r.mu.Unlock()

	book, ok := r.books[eventID]
	if !ok {
		book = NewBook(eventID)
		r.books[eventID] = book
	}
	return book
}

// Remove discards the book for a retired event.
func (r *Registry) Remove(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.books[eventID]
	delete(r.books, eventID)
	return ok
}

// ListAll returns a summary of every live book.
func (r *Registry) ListAll() []BookSummary {
	r.mu.Lock()
	books := make([]*Book, 0, len(r.books))
	for _, b := range r.books {
		books = append(books, b)
	}
	r.mu.Unlock()

	summaries := make([]BookSummary, 0, len(books))
	for _, b := range books {
		summaries = append(summaries, BookSummary{EventID: b.EventID(), Stats: b.Stats()})
	}
	return summaries
}
