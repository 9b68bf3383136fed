package rag

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/memovox/memovox/pkg/memo"
)

// DateRange is an inclusive calendar-date interval. Start and End are
// date-truncated; time of day never participates in comparisons.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// String renders the range for user-facing messages.
func (r DateRange) String() string {
	return fmt.Sprintf("%s〜%s", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
}

var (
	reDaysAgo   = regexp.MustCompile(`(\d+)\s*日前`)
	reWeeksAgo  = regexp.MustCompile(`(\d+)\s*週間?前`)
	reMonthsAgo = regexp.MustCompile(`(\d+)\s*[ヶか]?月前`)
	reFullDate  = regexp.MustCompile(`(\d{4})[年/\-](\d{1,2})[月/\-](\d{1,2})日?`)
	reMonthDay  = regexp.MustCompile(`(\d{1,2})[月/\-](\d{1,2})日?`)
)

// ParseDateRange recognises Japanese temporal expressions in query and
// returns the concrete inclusive date interval they denote, relative to
// today. It is a deliberately scoped heuristic: phrasings outside the
// supported set simply report no match, never an error.
//
// Recognised, in priority order: fixed relative-day keywords (今日, 一昨日,
// おととい, 昨日), relative week/month keywords (今週, 先週, 今月, 先月),
// numeric-relative patterns (N日前, N週間前, Nヶ月前), an explicit
// year-month-day, and a bare month-day assumed to be the current year or, if
// that lands in the future, the previous year.
func ParseDateRange(query string, today time.Time) (DateRange, bool) {
	today = memo.DateOf(today)
	day := func(t time.Time) (DateRange, bool) {
		return DateRange{Start: t, End: t}, true
	}

	// 一昨日 contains 昨日 as a substring, so check it first.
	switch {
	case strings.Contains(query, "今日"):
		return day(today)
	case strings.Contains(query, "一昨日"), strings.Contains(query, "おととい"):
		return day(today.AddDate(0, 0, -2))
	case strings.Contains(query, "昨日"):
		return day(today.AddDate(0, 0, -1))
	}

	// Weeks start on Monday.
	weekday := (int(today.Weekday()) + 6) % 7

	switch {
	case strings.Contains(query, "今週"):
		start := today.AddDate(0, 0, -weekday)
		end := start.AddDate(0, 0, 6)
		if end.After(today) {
			end = today
		}
		return DateRange{Start: start, End: end}, true
	case strings.Contains(query, "先週"):
		start := today.AddDate(0, 0, -(weekday + 7))
		return DateRange{Start: start, End: start.AddDate(0, 0, 6)}, true
	case strings.Contains(query, "今月"):
		return DateRange{Start: firstOfMonth(today), End: today}, true
	case strings.Contains(query, "先月"):
		end := firstOfMonth(today).AddDate(0, 0, -1)
		return DateRange{Start: firstOfMonth(end), End: end}, true
	}

	if m := reDaysAgo.FindStringSubmatch(query); m != nil {
		n, _ := strconv.Atoi(m[1])
		return day(today.AddDate(0, 0, -n))
	}

	if m := reWeeksAgo.FindStringSubmatch(query); m != nil {
		n, _ := strconv.Atoi(m[1])
		end := today.AddDate(0, 0, -7*n)
		return DateRange{Start: end.AddDate(0, 0, -6), End: end}, true
	}

	// N months ago approximates with 30-day arithmetic, then snaps to the
	// landing month's calendar boundaries. Known to drift near 31-day months.
	if m := reMonthsAgo.FindStringSubmatch(query); m != nil {
		n, _ := strconv.Atoi(m[1])
		target := today.AddDate(0, 0, -30*n)
		start := firstOfMonth(target)
		return DateRange{Start: start, End: start.AddDate(0, 1, -1)}, true
	}

	if m := reFullDate.FindStringSubmatch(query); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		dayNum, _ := strconv.Atoi(m[3])
		if t, ok := validDate(year, month, dayNum, today.Location()); ok {
			return day(t)
		}
	}

	if m := reMonthDay.FindStringSubmatch(query); m != nil {
		month, _ := strconv.Atoi(m[1])
		dayNum, _ := strconv.Atoi(m[2])
		if t, ok := validDate(today.Year(), month, dayNum, today.Location()); ok {
			if t.After(today) {
				prev, prevOK := validDate(today.Year()-1, month, dayNum, today.Location())
				if !prevOK {
					return DateRange{}, false
				}
				t = prev
			}
			return day(t)
		}
	}

	return DateRange{}, false
}

// validDate builds the date and verifies it round-trips, rejecting inputs
// like month 13 or February 30 that time.Date would silently normalise.
func validDate(year, month, day int, loc *time.Location) (time.Time, bool) {
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// dateKey collapses a time into a comparable yyyymmdd integer so that dates
// in different locations compare by calendar date, not instant.
func dateKey(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// FilterByDate keeps only candidates whose recorded date falls inside r,
// inclusive on both ends. Candidates without a recorded timestamp are
// dropped. Order is preserved; the result is non-nil.
func FilterByDate(cands []memo.Candidate, r DateRange) []memo.Candidate {
	out := make([]memo.Candidate, 0, len(cands))
	lo, hi := dateKey(r.Start), dateKey(r.End)
	for _, c := range cands {
		if c.RecordedAt.IsZero() {
			continue
		}
		if k := dateKey(c.RecordedAt); k >= lo && k <= hi {
			out = append(out, c)
		}
	}
	return out
}
