package recorder

import (
	"fmt"
	"path/filepath"
	"time"
)

// fileLayout is the strftime %p-%I-%M-%S name of a segment.
const (
	dayLayout  = "2006/01/02"
	fileLayout = "PM-03-04-05"
)

// slot is a contiguous time range the controller tries to cover with
// one or more attempts.
type slot struct {
	id       int64
	start    time.Time
	end      time.Time
	attempts int
}

// planner cuts time into slots of the segment duration.
type planner struct {
	duration   time.Duration
	align      bool
	minAttempt time.Duration
	loc        *time.Location
}

// boundaryAfter returns the first slot boundary strictly after t. Aligned
// boundaries are multiples of the duration since local midnight, and a
// day always ends on a boundary.
func (p planner) boundaryAfter(t time.Time) time.Time {
	if !p.align {
		return t.Add(p.duration)
	}

	local := t.In(p.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc)
	nextMidnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, p.loc)

	k := t.Sub(midnight) / p.duration
	next := midnight.Add((k + 1) * p.duration)
	if next.After(nextMidnight) {
		return nextMidnight
	}
	return next
}

// open starts a slot at now. A remainder shorter than the minimum attempt
// is merged into the following slot.
func (p planner) open(now time.Time) *slot {
	end := p.boundaryAfter(now)
	if end.Sub(now) < p.minAttempt {
		end = p.boundaryAfter(end)
	}
	return &slot{id: now.Unix(), start: now, end: end}
}

// remaining is the part of s left at now.
func (s *slot) remaining(now time.Time) time.Duration {
	return s.end.Sub(now)
}

// segmentPath returns <root>/<subfolder>/YYYY/MM/DD/PM-03-04-05.mp4 for t.
func segmentPath(root, subfolder string, t time.Time, loc *time.Location) string {
	local := t.In(loc)
	return filepath.Join(root, filepath.FromSlash(subfolder),
		filepath.FromSlash(local.Format(dayLayout)),
		local.Format(fileLayout)+".mp4")
}

// uniquePath appends a counter when base, or one of its quarantine
// siblings, already exists.
func uniquePath(base string, exists func(string) bool) string {
	candidate := base
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	for i := 2; taken(candidate, exists); i++ {
		candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	return candidate
}

func taken(path string, exists func(string) bool) bool {
	return exists(path) || exists(path+".part") || exists(path+".partial")
}
