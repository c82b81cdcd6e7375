package query

import (
	"context"
	"errors"
	"fmt"

	"homefeed/models"

	"github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
)

// MaxMemberOf is the largest value list a memberOf filter may carry
const MaxMemberOf = 10

const (
	FieldID         = "id"
	FieldProducerID = "producerId"
)

var (
	ErrFilterTooLarge = fmt.Errorf("memberOf filter accepts at most %d values", MaxMemberOf)
	ErrUnknownField   = errors.New("unknown filter field")
)

type Op int

const (
	OpEquals Op = iota
	OpMemberOf
)

// FilterStrategy adds WHERE conditions to the query
type FilterStrategy interface {
	// ApplyFilter adds filter conditions to the query builder
	ApplyFilter(sb *sqlbuilder.SelectBuilder)
}

type Filter struct {
	Field  string
	Op     Op
	Values []string
}

func Equals(field, value string) *Filter {
	return &Filter{Field: field, Op: OpEquals, Values: []string{value}}
}

func MemberOf(field string, values ...string) *Filter {
	return &Filter{Field: field, Op: OpMemberOf, Values: values}
}

var columns = map[string]string{
	FieldID:         "id",
	FieldProducerID: "producer_id",
}

func (f *Filter) Validate() error {
	if _, ok := columns[f.Field]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, f.Field)
	}
	switch f.Op {
	case OpEquals:
		if len(f.Values) != 1 {
			return fmt.Errorf("equals filter needs exactly one value, got %d", len(f.Values))
		}
	case OpMemberOf:
		if len(f.Values) > MaxMemberOf {
			return fmt.Errorf("%w: got %d", ErrFilterTooLarge, len(f.Values))
		}
	default:
		return fmt.Errorf("unknown filter op %d", f.Op)
	}
	return nil
}

func (f *Filter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	column := columns[f.Field]
	switch f.Op {
	case OpEquals:
		sb.Where(sb.Equal(column, f.Values[0]))
	case OpMemberOf:
		if len(f.Values) == 0 {
			// An empty set matches nothing
			sb.Where("1 = 0")
			return
		}
		sb.Where(sb.In(column, lo.ToAnySlice(f.Values)...))
	}
}

// Matches reports whether the filter holds for the given item
func (f *Filter) Matches(item models.FeedItem) bool {
	var value string
	switch f.Field {
	case FieldID:
		value = item.ID
	case FieldProducerID:
		value = string(item.ProducerID)
	default:
		return false
	}
	return lo.Contains(f.Values, value)
}

// Query describes a read against one collection, newest first
type Query struct {
	Collection string
	Filter     *Filter
	// Limit of 0 means unlimited
	Limit int
}

func (q Query) Validate() error {
	if q.Collection == "" {
		return errors.New("query has no collection")
	}
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	if q.Filter != nil {
		return q.Filter.Validate()
	}
	return nil
}

// Matches reports whether an item written to collection could be part of the result
func (q Query) Matches(collection string, item models.FeedItem) bool {
	if collection != q.Collection {
		return false
	}
	return q.Filter == nil || q.Filter.Matches(item)
}

// Listener receives the output of a live query
type Listener struct {
	OnBatch func(models.ChangeBatch)
	// OnError is terminal, no batches follow it
	OnError func(error)
}

type Subscription interface {
	// Cancel stops delivery. No callback runs after Cancel returns, so it
	// must not be called from inside the subscription's own callbacks.
	Cancel()
}

// Store is the backing document store contract
type Store interface {
	Query(ctx context.Context, q Query) ([]models.FeedItem, error)
	Listen(q Query, l Listener) (Subscription, error)
}

var _ FilterStrategy = (*Filter)(nil)
