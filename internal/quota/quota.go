// Package quota implements daily/monthly call and credit accounting anchored
// to UTC boundaries. The functions are pure over a keystore.Quota value;
// callers (the KeyStore, under its write lock) own the mutation.
package quota

import (
	"time"

	"github.com/paygate/paygate/internal/errors"
	"github.com/paygate/paygate/internal/keystore"
)

// DayAnchor truncates t to the start of its UTC day.
func DayAnchor(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthAnchor truncates t to the start of its UTC month.
func MonthAnchor(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ResetIfNeeded rolls over counters whose anchor is stale. Rollover is lazy:
// it happens on check/record/read, never on a timer.
func ResetIfNeeded(q *keystore.Quota, now time.Time) {
	if q == nil {
		return
	}
	if day := DayAnchor(now); !q.DayAnchor.Equal(day) {
		q.DayAnchor = day
		q.DailyCalls = 0
		q.DailyCredits = 0
	}
	if month := MonthAnchor(now); !q.MonthAnchor.Equal(month) {
		q.MonthAnchor = month
		q.MonthlyCalls = 0
		q.MonthlyCredits = 0
	}
}

// Check reports whether one more call charging credits fits within the
// quota. A zero limit is unlimited. Returns the deny reason on failure.
func Check(q *keystore.Quota, credits int64, now time.Time) (errors.Reason, bool) {
	if q == nil {
		return "", true
	}
	ResetIfNeeded(q, now)
	if q.DailyCallLimit > 0 && q.DailyCalls+1 > q.DailyCallLimit {
		return errors.ReasonQuotaDailyCalls, false
	}
	if q.MonthlyCallLimit > 0 && q.MonthlyCalls+1 > q.MonthlyCallLimit {
		return errors.ReasonQuotaMonthlyCalls, false
	}
	if q.DailyCreditLimit > 0 && q.DailyCredits+credits > q.DailyCreditLimit {
		return errors.ReasonQuotaDailyCredits, false
	}
	if q.MonthlyCreditLimit > 0 && q.MonthlyCredits+credits > q.MonthlyCreditLimit {
		return errors.ReasonQuotaMonthlyCredits, false
	}
	return "", true
}

// Record charges one call and its credits against the counters.
func Record(q *keystore.Quota, credits int64, now time.Time) {
	if q == nil {
		return
	}
	ResetIfNeeded(q, now)
	q.DailyCalls++
	q.MonthlyCalls++
	q.DailyCredits += credits
	q.MonthlyCredits += credits
}
