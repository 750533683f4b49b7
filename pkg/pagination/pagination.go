package pagination

import (
	"context"
	"errors"
	"fmt"
)

// DefaultMaxPages bounds how many pages Collect follows
const DefaultMaxPages = 1000

var (
	// ErrCursorLoop is returned when a server hands out a cursor it already
	// returned during the same listing
	ErrCursorLoop = errors.New("pagination cursor repeated")

	// ErrTooManyPages is returned when a listing exceeds the page limit
	ErrTooManyPages = errors.New("pagination exceeded page limit")
)

// FetchFunc fetches the page at cursor ("" for the first page) and returns
// its items and the next cursor ("" when exhausted)
type FetchFunc[T any] func(ctx context.Context, cursor string) ([]T, string, error)

// Collector tracks the cursor state of one listing
type Collector struct {
	// NextCursor holds the pagination cursor for the next page
	NextCursor string
	// HasMore indicates if there are more pages to fetch
	HasMore bool
	// Pages is the number of pages collected so far
	Pages int
	// TotalItems is the total number of items collected so far
	TotalItems int

	maxPages int
	seen     map[string]struct{}
}

// NewCollector creates a collector positioned before the first page
func NewCollector(maxPages int) *Collector {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Collector{
		HasMore:  true,
		maxPages: maxPages,
		seen:     make(map[string]struct{}),
	}
}

// Update records a fetched page
func (c *Collector) Update(items int, nextCursor string) error {
	c.Pages++
	c.TotalItems += items
	c.NextCursor = nextCursor
	c.HasMore = nextCursor != ""
	if !c.HasMore {
		return nil
	}
	if _, dup := c.seen[nextCursor]; dup {
		c.HasMore = false
		return fmt.Errorf("%w: %q", ErrCursorLoop, nextCursor)
	}
	c.seen[nextCursor] = struct{}{}
	if c.Pages >= c.maxPages {
		c.HasMore = false
		return fmt.Errorf("%w (%d)", ErrTooManyPages, c.maxPages)
	}
	return nil
}

// Collect fetches every page and returns the items in server order
func Collect[T any](ctx context.Context, fetch FetchFunc[T]) ([]T, error) {
	return CollectN(ctx, DefaultMaxPages, fetch)
}

// CollectN is Collect with an explicit page limit
func CollectN[T any](ctx context.Context, maxPages int, fetch FetchFunc[T]) ([]T, error) {
	collector := NewCollector(maxPages)
	var all []T
	for collector.HasMore {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, next, err := fetch(ctx, collector.NextCursor)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if err := collector.Update(len(items), next); err != nil {
			return nil, err
		}
	}
	if all == nil {
		all = []T{}
	}
	return all, nil
}
