package feeds

import "homefeed/models"

const (
	DefaultPageSize      = 5
	DefaultPageIncrement = 5
)

// WindowManager owns the window of a growable feed. It is not safe for
// concurrent use; Feed only touches it while holding its own lock.
type WindowManager struct {
	defaultLimit int
	increment    int
	window       models.Window
}

func NewWindowManager(defaultLimit, increment int) *WindowManager {
	if defaultLimit < 1 {
		defaultLimit = DefaultPageSize
	}
	if increment < 1 {
		increment = DefaultPageIncrement
	}
	return &WindowManager{
		defaultLimit: defaultLimit,
		increment:    increment,
		window:       models.Window{Limit: defaultLimit},
	}
}

func (m *WindowManager) Current() models.Window {
	return m.window
}

// Ready reports whether a producer set has been provided
func (m *WindowManager) Ready() bool {
	return m.window.Producers.Len() > 0
}

// Grow widens the window by one increment. It always changes the window.
func (m *WindowManager) Grow() models.Window {
	m.window.Limit += m.increment
	return m.window
}

// Reset shrinks the window back to the default limit
func (m *WindowManager) Reset() (models.Window, bool) {
	if m.window.Limit == m.defaultLimit {
		return m.window, false
	}
	m.window.Limit = m.defaultLimit
	return m.window, true
}

// SetProducers replaces the producer set and keeps the limit. It reports
// false when the set is unchanged.
func (m *WindowManager) SetProducers(set models.FollowSet) (models.Window, bool) {
	if m.window.Producers.Equal(set) {
		return m.window, false
	}
	m.window.Producers = set
	return m.window, true
}
