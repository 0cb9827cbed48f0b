package chrono

import (
	"sync"
	"time"
)

// Clock is the source of "now" for anything that reasons about expiry.
type Clock interface {
	Now() time.Time
}

type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// the portal renders wall-clock times without an offset, they are always
// in the club's local zone
var portalLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"01/02/2006 03:04 PM",
	"01/02/2006",
	"2006-01-02",
}

// ParseLocal parses a timestamp as rendered by the portal. Timestamps that
// carry no offset are interpreted in loc.
func ParseLocal(value string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range portalLayouts {
		t, err := time.ParseInLocation(layout, value, loc)
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FromMillis converts the epoch-millisecond timestamps the JSON endpoints
// sometimes use.
func FromMillis(ms int64, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(ms).In(loc)
}
