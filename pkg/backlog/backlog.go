// Package backlog models the ordered set of work items a run drives to
// completion. Items are never deleted; progress is expressed through the
// passes and skipped flags and through priority reordering.
package backlog

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a target item id that does not exist in the backlog.
var ErrNotFound = errors.New("backlog item not found")

// Item is one unit of work. Lower priority values are selected sooner.
type Item struct {
	ID        string   `yaml:"id"`
	Title     string   `yaml:"title,omitempty"`
	Priority  int      `yaml:"priority"`
	Passes    bool     `yaml:"passes"`
	Skipped   bool     `yaml:"skipped"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// Backlog is the ordered item list as stored on disk.
type Backlog struct {
	Items []Item `yaml:"items"`
}

// Find returns a pointer to the item with the given id.
func (b *Backlog) Find(id string) (*Item, bool) {
	for i := range b.Items {
		if b.Items[i].ID == id {
			return &b.Items[i], true
		}
	}
	return nil, false
}

// eligible reports whether item can be selected: not done, not skipped, and
// every dependency already passing. An unknown dependency blocks selection.
func (b *Backlog) eligible(item *Item) bool {
	if item.Passes || item.Skipped {
		return false
	}
	for _, dep := range item.DependsOn {
		d, ok := b.Find(dep)
		if !ok || !d.Passes {
			return false
		}
	}
	return true
}

// NextEligible returns the eligible item with the lowest priority value,
// ties broken by backlog order. ok is false when nothing is selectable.
func (b *Backlog) NextEligible() (*Item, bool) {
	var best *Item
	for i := range b.Items {
		item := &b.Items[i]
		if !b.eligible(item) {
			continue
		}
		if best == nil || item.Priority < best.Priority {
			best = item
		}
	}
	return best, best != nil
}

// Completed reports whether every item is either passing or skipped.
func (b *Backlog) Completed() bool {
	for i := range b.Items {
		if !b.Items[i].Passes && !b.Items[i].Skipped {
			return false
		}
	}
	return true
}

// CountPassed returns how many items have passes=true.
func (b *Backlog) CountPassed() int {
	n := 0
	for i := range b.Items {
		if b.Items[i].Passes {
			n++
		}
	}
	return n
}

// CountSkipped returns how many items have skipped=true.
func (b *Backlog) CountSkipped() int {
	n := 0
	for i := range b.Items {
		if b.Items[i].Skipped {
			n++
		}
	}
	return n
}

// Len returns the total item count.
func (b *Backlog) Len() int {
	return len(b.Items)
}

// Skip marks the item skipped, excluding it from selection until un-skipped
// out of band.
func (b *Backlog) Skip(id string) error {
	item, ok := b.Find(id)
	if !ok {
		return fmt.Errorf("skip %q: %w", id, ErrNotFound)
	}
	item.Skipped = true
	return nil
}

// Prioritize moves the item to the front of selection order by assigning it
// a priority below every other item's.
func (b *Backlog) Prioritize(id string) error {
	item, ok := b.Find(id)
	if !ok {
		return fmt.Errorf("prioritize %q: %w", id, ErrNotFound)
	}

	min := item.Priority
	for i := range b.Items {
		if b.Items[i].Priority < min {
			min = b.Items[i].Priority
		}
	}
	item.Priority = min - 1
	return nil
}
