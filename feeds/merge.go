package feeds

import (
	"slices"

	"homefeed/models"
)

// Merger folds change batches into one ordered list without duplicates.
// Every batch ends with a full re-sort, so the result does not depend on
// the order changes arrive in.
type Merger struct {
	limit int
	items map[string]models.FeedItem
	list  []models.FeedItem
}

func NewMerger(limit int) *Merger {
	return &Merger{
		limit: max(limit, 1),
		items: make(map[string]models.FeedItem),
	}
}

// Apply upserts added and modified items, drops removed ones and trims the
// result to the limit. Items trimmed off the end are forgotten.
func (m *Merger) Apply(b models.ChangeBatch) []models.FeedItem {
	for _, change := range b.Changes {
		switch change.Kind {
		case models.Added, models.Modified:
			m.items[change.Item.ID] = change.Item
		case models.Removed:
			delete(m.items, change.Item.ID)
		}
	}
	m.rebuild()
	return m.Items()
}

func (m *Merger) rebuild() {
	list := make([]models.FeedItem, 0, len(m.items))
	for _, item := range m.items {
		list = append(list, item)
	}
	slices.SortStableFunc(list, models.Compare)

	if len(list) > m.limit {
		for _, dropped := range list[m.limit:] {
			delete(m.items, dropped.ID)
		}
		list = list[:m.limit]
	}
	m.list = list
}

// SetLimit changes the window size. A smaller limit trims right away.
func (m *Merger) SetLimit(limit int) {
	m.limit = max(limit, 1)
	if len(m.list) > m.limit {
		m.rebuild()
	}
}

func (m *Merger) Limit() int {
	return m.limit
}

// Reset forgets every item
func (m *Merger) Reset() {
	clear(m.items)
	m.list = nil
}

// Items returns a copy of the merged list
func (m *Merger) Items() []models.FeedItem {
	return slices.Clone(m.list)
}

func (m *Merger) Len() int {
	return len(m.list)
}
