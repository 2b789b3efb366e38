package remote

import (
	"context"
	"fmt"
	"iter"
)

// PageFunc fetches one page of a listing.
type PageFunc[T any] func(ctx context.Context, page, perPage int) ([]T, error)

// Lister walks a page-numbered listing with a fixed page size. The walk ends
// the first time a page comes back with fewer than perPage items, so the page
// after a short page is never requested. A Lister is single use.
type Lister[T any] struct {
	fetch   PageFunc[T]
	perPage int
	next    int
	done    bool
	err     error
}

func NewLister[T any](fetch PageFunc[T], perPage int) *Lister[T] {
	if perPage <= 0 {
		perPage = 1
	}
	return &Lister[T]{fetch: fetch, perPage: perPage, next: 1}
}

// StartAt moves the first requested page. It has no effect once paging began.
func (l *Lister[T]) StartAt(page int) *Lister[T] {
	if page < 1 {
		page = 1
	}
	if l.next <= 1 && !l.done {
		l.next = page
	}
	return l
}

// NextPage returns the next page. ok is false when the listing is exhausted
// or failed; check Err to tell the two apart.
func (l *Lister[T]) NextPage(ctx context.Context) (items []T, ok bool) {
	if l.done {
		return nil, false
	}
	if err := ctx.Err(); err != nil {
		l.done = true
		l.err = err
		return nil, false
	}
	page := l.next
	items, err := l.fetch(ctx, page, l.perPage)
	if err != nil {
		l.done = true
		l.err = fmt.Errorf("page %d: %w", page, err)
		return nil, false
	}
	l.next++
	if len(items) < l.perPage {
		l.done = true
	}
	if len(items) == 0 {
		return nil, false
	}
	return items, true
}

// Page returns the number of the page that NextPage will request next.
func (l *Lister[T]) Page() int { return l.next }

func (l *Lister[T]) Err() error { return l.err }

// All yields every item across pages.
func (l *Lister[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			items, ok := l.NextPage(ctx)
			if !ok {
				return
			}
			for _, item := range items {
				if !yield(item) {
					return
				}
			}
		}
	}
}

// Collect drains a listing. On failure it returns nil and the error, never a
// partial result.
func Collect[T any](ctx context.Context, fetch PageFunc[T], perPage int) ([]T, error) {
	l := NewLister(fetch, perPage)
	var out []T
	for item := range l.All(ctx) {
		out = append(out, item)
	}
	if err := l.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
