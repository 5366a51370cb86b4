// Package ledger reads the remote portal's listing of claims awaiting
// attachments and finds the row that corresponds to a mailbox record.
//
// The listing is never cached: every Find and Refresh fetches it again,
// because the portal's state changes between and during runs.
package ledger

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hazyhaar/claimsync/claim"
)

// ErrNotFound is returned when no listing row satisfies the match rule.
var ErrNotFound = errors.New("ledger: no matching row")

// Row is a read-only projection of one listing line.
type Row struct {
	// Index is the row's 0-based position among the listing's data rows.
	Index       int
	Code        string // protocol or access code
	SubjectName string
	ServiceDate string // as displayed, DD/MM/YYYY
	Amount      string // as displayed
	Attached    Slots
}

// HasAttachment reports whether the row's slot for dt already holds a file.
func (r Row) HasAttachment(dt claim.DocType) bool { return r.Attached.Has(dt) }

// Slots is the set of document types whose attachment slot is filled.
type Slots uint8

// SlotsOf returns the set holding dts.
func SlotsOf(dts ...claim.DocType) Slots {
	var s Slots
	for _, dt := range dts {
		s = s.With(dt)
	}
	return s
}

func slotBit(dt claim.DocType) Slots {
	i := slices.Index(claim.DocTypes, dt)
	if i < 0 {
		return 0
	}
	return 1 << i
}

// Has reports whether dt is in the set. Unknown types never are.
func (s Slots) Has(dt claim.DocType) bool {
	b := slotBit(dt)
	return b != 0 && s&b != 0
}

// With returns the set plus dt.
func (s Slots) With(dt claim.DocType) Slots { return s | slotBit(dt) }

func (s Slots) String() string {
	var names []string
	for _, dt := range claim.DocTypes {
		if s.Has(dt) {
			names = append(names, string(dt))
		}
	}
	return strings.Join(names, "+")
}

func (r Row) String() string {
	return fmt.Sprintf("#%d %s %s %s", r.Index, r.SubjectName, r.ServiceDate, r.Amount)
}

// Window is the month filter applied to the listing.
type Window struct {
	Month time.Month
	Year  int
}

// PreviousMonth returns the calendar month before now.
func PreviousMonth(now time.Time) Window {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	prev := first.AddDate(0, -1, 0)
	return Window{Month: prev.Month(), Year: prev.Year()}
}

// MonthOf returns the window containing t.
func MonthOf(t time.Time) Window {
	return Window{Month: t.Month(), Year: t.Year()}
}

// String renders the portal's MMYYYY filter value.
func (w Window) String() string {
	return fmt.Sprintf("%02d%04d", int(w.Month), w.Year)
}

// Policy chooses the listing window for a record.
type Policy string

const (
	// PolicyPreviousMonth filters on the month before the run started.
	PolicyPreviousMonth Policy = "previous_month"
	// PolicyServiceMonth filters on the record's own service month.
	PolicyServiceMonth Policy = "service_month"
)

// ParsePolicy accepts "" (previous month) or one of the policy names.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyPreviousMonth:
		return PolicyPreviousMonth, nil
	case PolicyServiceMonth:
		return PolicyServiceMonth, nil
	}
	return "", fmt.Errorf("ledger: unknown window policy %q", s)
}
