// Package checkpoint holds the durable extraction cursor: the day currently
// being extracted, the offset of the first session not yet fetched within that
// day and the last logical session id handed out.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar date without a time of day or timezone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate normalizes out of range values the same way time.Date does,
// NewDate(2024, 1, 32) is 2024-02-01.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) Next() Date {
	return NewDate(d.Year, d.Month, d.Day+1)
}

func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func (d Date) Before(o Date) bool {
	return d.Compare(o) < 0
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Checkpoint is the position extraction resumes from.
type Checkpoint struct {
	Date Date
	// Offset is the index of the first session within Date that has not been
	// fetched yet.
	Offset int
	// Session is the last logical session id that was assigned.
	Session int64
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("%s @ %d (session %d)", c.Date, c.Offset, c.Session)
}

func (c Checkpoint) Validate() error {
	if c.Date.IsZero() {
		return fmt.Errorf("checkpoint has no date")
	}
	if NewDate(c.Date.Year, c.Date.Month, c.Date.Day) != c.Date {
		return fmt.Errorf("checkpoint date %s is not a calendar date", c.Date)
	}
	if c.Offset < 0 {
		return fmt.Errorf("checkpoint offset %d is negative", c.Offset)
	}
	if c.Session < 0 {
		return fmt.Errorf("checkpoint session %d is negative", c.Session)
	}
	return nil
}

// Regresses reports whether moving from prev to c would go back in time or
// hand out session ids again.
func (c Checkpoint) Regresses(prev Checkpoint) bool {
	if c.Session < prev.Session {
		return true
	}
	switch c.Date.Compare(prev.Date) {
	case -1:
		return true
	case 0:
		return c.Offset < prev.Offset
	default:
		return false
	}
}

// Advance computes the checkpoint that follows a fully processed page that
// started sessionsInPage new logical sessions.
//
// A page with sessions means the same day may have more, so the offset moves
// forward. An empty page means the day is exhausted, the cursor moves to the
// next day if the day is strictly before today, otherwise extraction has
// caught up and the checkpoint is returned unchanged.
func (c Checkpoint) Advance(sessionsInPage int, today Date) (next Checkpoint, caughtUp bool) {
	next = c
	next.Session += int64(sessionsInPage)

	if sessionsInPage > 0 {
		next.Offset += sessionsInPage
		return next, false
	}
	if c.Date.Before(today) {
		next.Date = c.Date.Next()
		next.Offset = 0
		return next, false
	}
	return next, true
}

// ErrNoCheckpoint is returned by Store.Load when nothing has been saved yet.
var ErrNoCheckpoint = errors.New("no checkpoint has been saved")

// Store persists the checkpoint, Save must be durable when it returns.
type Store interface {
	Load(ctx context.Context) (Checkpoint, error)
	Save(ctx context.Context, c Checkpoint) error
}

// LoadOrInit loads the stored checkpoint, saving and returning initial if
// the store is empty.
func LoadOrInit(ctx context.Context, store Store, initial Checkpoint) (Checkpoint, bool, error) {
	c, err := store.Load(ctx)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrNoCheckpoint) {
		return Checkpoint{}, false, err
	}

	err = initial.Validate()
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("initial checkpoint: %w", err)
	}
	err = store.Save(ctx, initial)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return initial, true, nil
}

// MemoryStore is a Store that only lives as long as the process.
type MemoryStore struct {
	current *Checkpoint
	// Saves is every checkpoint passed to Save, in order.
	Saves []Checkpoint
	// SaveErr, if set, is returned by Save without saving.
	SaveErr error
}

func NewMemoryStore(initial *Checkpoint) *MemoryStore {
	return &MemoryStore{current: initial}
}

func (m *MemoryStore) Load(context.Context) (Checkpoint, error) {
	if m.current == nil {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return *m.current, nil
}

func (m *MemoryStore) Save(_ context.Context, c Checkpoint) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.current = &c
	m.Saves = append(m.Saves, c)
	return nil
}
