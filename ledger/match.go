package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/claimsync/claim"
)

// MatchBy tells which secondary field selected the row.
type MatchBy string

const (
	ByDate   MatchBy = "date"
	ByAmount MatchBy = "amount"
)

// MatchInfo describes how a row was chosen.
type MatchInfo struct {
	By MatchBy
	// Candidates is the number of rows that satisfied the winning rule.
	Candidates int
}

// Match applies the match rule to rows:
//
//	same folded name AND (same service date OR same amount)
//
// Row names are compared through NameMatches, since the record's name was
// sanitized and possibly cut.
//
// Date matches win over amount matches. Among several date matches the one
// whose amount also matches wins, then listing order. Among amount-only
// matches, listing order. No candidate is ErrNotFound.
func Match(rows []Row, rec claim.Record) (Row, MatchInfo, error) {
	var byDate, byAmount []Row
	for _, r := range rows {
		if !NameMatches(r.SubjectName, rec.SubjectName) {
			continue
		}
		if sameDate(r.ServiceDate, rec.ServiceDate) {
			byDate = append(byDate, r)
		} else if sameAmount(r.Amount, rec.Amount) {
			byAmount = append(byAmount, r)
		}
	}

	if len(byDate) > 0 {
		for _, r := range byDate {
			if sameAmount(r.Amount, rec.Amount) {
				return r, MatchInfo{By: ByDate, Candidates: len(byDate)}, nil
			}
		}
		return byDate[0], MatchInfo{By: ByDate, Candidates: len(byDate)}, nil
	}
	if len(byAmount) > 0 {
		return byAmount[0], MatchInfo{By: ByAmount, Candidates: len(byAmount)}, nil
	}
	return Row{}, MatchInfo{}, ErrNotFound
}

// sameDate compares a displayed DD/MM/YYYY date (possibly followed by a
// time) with the record's date.
func sameDate(displayed string, want time.Time) bool {
	if want.IsZero() {
		return false
	}
	fields := strings.Fields(displayed)
	if len(fields) == 0 {
		return false
	}
	got, err := claim.ParseServiceDate(fields[0])
	if err != nil {
		return false
	}
	return got.Equal(want)
}

// sameAmount compares amounts in canonical form. A missing amount on either
// side, or the record's fallback "0,00", never matches.
func sameAmount(displayed, want string) bool {
	if want == "" || want == claim.ZeroAmount {
		return false
	}
	if _, ok := claim.ParseAmount(displayed); !ok {
		return false
	}
	return claim.NormalizeAmount(displayed) == claim.NormalizeAmount(want)
}

// Source fetches the complete listing for a window, including rows that
// only appear after scrolling a virtualized table.
type Source interface {
	Rows(ctx context.Context, w Window) ([]Row, error)
}

// Matcher finds rows for records against a live Source.
type Matcher struct {
	src    Source
	policy Policy
	start  time.Time
	logger *slog.Logger
}

// NewMatcher returns a Matcher. start is the run start time, used by the
// previous-month policy.
func NewMatcher(src Source, policy Policy, start time.Time, logger *slog.Logger) *Matcher {
	if policy == "" {
		policy = PolicyPreviousMonth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{src: src, policy: policy, start: start, logger: logger}
}

// WindowFor returns the listing window used for rec.
func (m *Matcher) WindowFor(rec claim.Record) Window {
	if m.policy == PolicyServiceMonth && !rec.ServiceDate.IsZero() {
		return MonthOf(rec.ServiceDate)
	}
	return PreviousMonth(m.start)
}

// Find fetches the listing and returns the row matching rec.
func (m *Matcher) Find(ctx context.Context, rec claim.Record) (Row, Window, error) {
	w := m.WindowFor(rec)
	rows, err := m.src.Rows(ctx, w)
	if err != nil {
		return Row{}, w, fmt.Errorf("ledger: fetch %s: %w", w, err)
	}
	row, info, err := Match(rows, rec)
	if err != nil {
		m.logger.InfoContext(ctx, "ledger: no match",
			"name", rec.DisplayName(), "date", rec.DisplayDate(), "window", w.String(), "rows", len(rows))
		return Row{}, w, err
	}
	m.logger.DebugContext(ctx, "ledger: matched",
		"row", row.String(), "by", string(info.By), "candidates", info.Candidates)
	return row, w, nil
}

// Refresh re-reads the listing and returns the current state of prev: the
// row with the same code when prev has one, otherwise the row the match
// rule selects now.
func (m *Matcher) Refresh(ctx context.Context, rec claim.Record, w Window, prev Row) (Row, error) {
	rows, err := m.src.Rows(ctx, w)
	if err != nil {
		return Row{}, fmt.Errorf("ledger: refetch %s: %w", w, err)
	}
	if prev.Code != "" {
		for _, r := range rows {
			if r.Code == prev.Code && SameName(r.SubjectName, prev.SubjectName) {
				return r, nil
			}
		}
		return Row{}, ErrNotFound
	}
	row, _, err := Match(rows, rec)
	return row, err
}
