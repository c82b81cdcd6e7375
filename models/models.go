package models

import (
	"path"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ProducerID identifies a user whose items can show up in a feed
type ProducerID string

// FollowSet is a sorted set of producers without duplicates
type FollowSet []ProducerID

func NewFollowSet(ids ...ProducerID) FollowSet {
	set := lo.Uniq(lo.Filter(ids, func(id ProducerID, _ int) bool {
		return id != ""
	}))
	slices.Sort(set)
	return FollowSet(set)
}

// With returns a copy of the set that also contains id
func (s FollowSet) With(id ProducerID) FollowSet {
	return NewFollowSet(append(slices.Clone(s), id)...)
}

func (s FollowSet) Contains(id ProducerID) bool {
	_, found := slices.BinarySearch(s, id)
	return found
}

func (s FollowSet) Equal(other FollowSet) bool {
	return slices.Equal(s, other)
}

func (s FollowSet) Len() int {
	return len(s)
}

func (s FollowSet) Strings() []string {
	return lo.Map(s, func(id ProducerID, _ int) string {
		return string(id)
	})
}

// FollowingCollection returns the collection holding the producers a viewer
// follows. Document ids are the followed producer ids.
func FollowingCollection(viewer ProducerID) string {
	return path.Join("users", string(viewer), "following")
}

// FeedItem is a single post or story
type FeedItem struct {
	ID         string         `json:"id"`
	ProducerID ProducerID     `json:"producerId"`
	CreatedAt  time.Time      `json:"createdAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Compare orders items newest first, ties broken by the higher id first.
func Compare(a, b FeedItem) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

var changeKindNames = map[ChangeKind]string{
	Added:    "added",
	Modified: "modified",
	Removed:  "removed",
}

func (k ChangeKind) String() string {
	if name, ok := changeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ChangeKind) UnmarshalText(text []byte) error {
	for kind, name := range changeKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return &UnknownChangeKindError{Kind: string(text)}
}

type UnknownChangeKindError struct {
	Kind string
}

func (e *UnknownChangeKindError) Error() string {
	return "unknown change kind: " + e.Kind
}

type Change struct {
	Kind ChangeKind `json:"kind"`
	Item FeedItem   `json:"item"`
}

// ChangeBatch holds the changes delivered by one subscription tick
type ChangeBatch struct {
	Changes []Change `json:"changes"`
}

func (b ChangeBatch) Len() int {
	return len(b.Changes)
}

// Window is the (limit, producers) pair behind one live subscription
type Window struct {
	Limit     int       `json:"limit"`
	Producers FollowSet `json:"producers"`
}

func (w Window) Equal(other Window) bool {
	return w.Limit == other.Limit && w.Producers.Equal(other.Producers)
}

// ChangeEvent is a write against a collection, as received by the ingest pipeline
type ChangeEvent struct {
	Collection string     `json:"collection"`
	Kind       ChangeKind `json:"kind"`
	Item       FeedItem   `json:"item"`
}
