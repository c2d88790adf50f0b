package mealsync

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/tablewise/mealsync/internal/store"
	"github.com/tablewise/mealsync/pkg/errors"
	"github.com/tablewise/mealsync/pkg/records"
)

// MealIdeas is the typed surface over the meal ideas collection. The
// view is ordered most-recently-updated first.
type MealIdeas struct {
	c *Collection[records.MealIdea]
}

func newMealIdeas(e *engine) *MealIdeas {
	return &MealIdeas{c: NewCollection(CollectionConfig[records.MealIdea]{
		Name:       "meal-ideas",
		Remote:     NewRestRemote[records.MealIdea](e.client, MealIdeasPath),
		Store:      e.store,
		Online:     e.monitor.Online,
		Logger:     e.logger,
		Metrics:    e.metrics,
		Debounce:   e.config.debounce,
		EventTypes: []string{EventMealIdeasUpdated},
		LegacyKey:  store.LegacyIdeasKey,
		FromLegacy: func(entry store.LegacyEntry) (records.MealIdea, map[string]any) {
			idea := records.MealIdea{
				ID:        entry.ID,
				Title:     entry.Title,
				UpdatedAt: entry.UpdatedAt,
			}
			return idea, map[string]any{"title": entry.Title}
		},
	})}
}

// Items returns the current view, newest first.
func (m *MealIdeas) Items() []records.MealIdea { return m.c.View() }

// Get returns one idea by id.
func (m *MealIdeas) Get(id string) (records.MealIdea, bool) { return m.c.Get(id) }

// OnChange registers a hook called after every visible view change.
func (m *MealIdeas) OnChange(fn ChangeHook) { m.c.OnChange(fn) }

// Add creates a meal idea. The idea appears in the view immediately
// under a temporary id; the server id replaces it once the create
// lands. A blank title is rejected before anything is applied.
func (m *MealIdeas) Add(ctx context.Context, title string) (records.MealIdea, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return records.MealIdea{}, &errors.ValidationError{Field: "title", Message: "title is required"}
	}
	idea := records.MealIdea{
		Title:     title,
		UpdatedAt: records.Timestamp(time.Now()),
	}
	return m.c.Add(ctx, idea, map[string]any{"title": title}), nil
}

// Rename changes an idea's title. Edits within the debounce window
// coalesce into a single server call carrying the final title.
func (m *MealIdeas) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return &errors.ValidationError{Field: "title", Message: "title is required"}
	}
	return m.c.Update(ctx, id,
		func(idea records.MealIdea) records.MealIdea {
			idea.Title = title
			idea.UpdatedAt = records.Timestamp(time.Now())
			return idea
		},
		map[string]any{"title": title},
	)
}

// Remove deletes an idea. The removal is immediate locally and queued
// for the server if it cannot be delivered now.
func (m *MealIdeas) Remove(ctx context.Context, id string) { m.c.Delete(ctx, id) }

// Pantry is the typed surface over the pantry collection. The view is
// ordered by item name using locale-aware collation, so "Éclair mix"
// files next to "Eggs" rather than after "Zucchini".
type Pantry struct {
	c *Collection[records.PantryItem]
}

func newPantry(e *engine) *Pantry {
	// The collator is stateful; the pipeline only sorts under its own
	// lock, which keeps this safe.
	col := collate.New(language.Und, collate.Loose)
	return &Pantry{c: NewCollection(CollectionConfig[records.PantryItem]{
		Name:       "pantry",
		Remote:     NewRestRemote[records.PantryItem](e.client, PantryPath),
		Store:      e.store,
		Online:     e.monitor.Online,
		Logger:     e.logger,
		Metrics:    e.metrics,
		Debounce:   e.config.debounce,
		EventTypes: []string{EventPantryUpdated},
		Less: func(a, b records.PantryItem) bool {
			if cmp := col.CompareString(a.Name, b.Name); cmp != 0 {
				return cmp < 0
			}
			return a.RecordID() < b.RecordID()
		},
	})}
}

// Items returns the current view, ordered by name.
func (p *Pantry) Items() []records.PantryItem { return p.c.View() }

// Get returns one item by id.
func (p *Pantry) Get(id string) (records.PantryItem, bool) { return p.c.Get(id) }

// OnChange registers a hook called after every visible view change.
func (p *Pantry) OnChange(fn ChangeHook) { p.c.OnChange(fn) }

// Add creates a pantry item. Quantity is raw user input: non-numeric
// or negative values coerce to zero rather than blocking the add.
func (p *Pantry) Add(ctx context.Context, name, quantity string) (records.PantryItem, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return records.PantryItem{}, &errors.ValidationError{Field: "name", Message: "name is required"}
	}
	qty := records.CoerceQuantity(quantity)
	item := records.PantryItem{
		Name:      name,
		Quantity:  qty,
		UpdatedAt: records.Timestamp(time.Now()),
	}
	payload := map[string]any{"name": name, "quantity": qty}
	return p.c.Add(ctx, item, payload), nil
}

// SetQuantity updates an item's quantity from raw user input.
func (p *Pantry) SetQuantity(ctx context.Context, id, quantity string) error {
	qty := records.CoerceQuantity(quantity)
	return p.c.Update(ctx, id,
		func(item records.PantryItem) records.PantryItem {
			item.Quantity = qty
			item.UpdatedAt = records.Timestamp(time.Now())
			return item
		},
		map[string]any{"quantity": qty},
	)
}

// Rename changes an item's name.
func (p *Pantry) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &errors.ValidationError{Field: "name", Message: "name is required"}
	}
	return p.c.Update(ctx, id,
		func(item records.PantryItem) records.PantryItem {
			item.Name = name
			item.UpdatedAt = records.Timestamp(time.Now())
			return item
		},
		map[string]any{"name": name},
	)
}

// Remove deletes an item.
func (p *Pantry) Remove(ctx context.Context, id string) { p.c.Delete(ctx, id) }
