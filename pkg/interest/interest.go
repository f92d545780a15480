// Package interest computes the amount a borrower owes by a loan's due date.
//
// It is the only implementation of the repayment formulas. The quote preview and the
// loan creation path both call TotalRepayable, so the two can never disagree.
package interest

import (
	"time"

	"github.com/mcclellann/lendTrack/pkg/models"
	"github.com/shopspring/decimal"
)

const secondsPerDay = int64(24 * time.Hour / time.Second)

// Intermediate scale for the daily compounding loop. Rounding each step keeps the
// operands bounded for long horizons while staying far below a cent of drift.
const compoundScale = 24

var (
	hundred        = decimal.NewFromInt(100)
	daysInYear     = decimal.NewFromInt(365)
	percentPerYear = hundred.Mul(daysInYear)
)

// Quote is a priced loan offer as of a given instant.
type Quote struct {
	Days           int             `json:"days"`
	Interest       decimal.Decimal `json:"interest"`
	TotalRepayable decimal.Decimal `json:"total_repayable_amount"`
	AsOf           time.Time       `json:"as_of"`
}

// DaysUntil returns the number of whole days from asOf to dueDate, rounding any
// partial day up. It is zero or negative when dueDate is not in the future.
// It works in Unix seconds, so horizons past time.Duration's ~292 years still count.
func DaysUntil(dueDate, asOf time.Time) int {
	secs := dueDate.Unix() - asOf.Unix()
	nanos := dueDate.Nanosecond() - asOf.Nanosecond()
	if nanos < 0 {
		secs--
		nanos += int(time.Second)
	}
	// Round the fractional second up; for non-positive spans this truncates toward zero.
	if nanos > 0 {
		secs++
	}
	if secs <= 0 {
		return int(secs / secondsPerDay)
	}
	return int((secs + secondsPerDay - 1) / secondsPerDay)
}

// TotalRepayable returns principal plus interest accrued from asOf to dueDate,
// rounded to cents. ok is false when the due date is not after asOf or the interest
// type is unknown; no amount can be derived in that case.
func TotalRepayable(principal, annualRatePercent decimal.Decimal, kind models.InterestType, dueDate, asOf time.Time) (decimal.Decimal, bool) {
	days := DaysUntil(dueDate, asOf)
	if days <= 0 {
		return decimal.Zero, false
	}

	switch kind {
	case models.InterestTypeSimple:
		return simple(principal, annualRatePercent, days).Round(2), true
	case models.InterestTypeCompound:
		return compound(principal, annualRatePercent, days).Round(2), true
	default:
		return decimal.Zero, false
	}
}

// NewQuote prices the terms as of asOf.
func NewQuote(principal, annualRatePercent decimal.Decimal, kind models.InterestType, dueDate, asOf time.Time) (Quote, bool) {
	total, ok := TotalRepayable(principal, annualRatePercent, kind, dueDate, asOf)
	if !ok {
		return Quote{}, false
	}
	return Quote{
		Days:           DaysUntil(dueDate, asOf),
		Interest:       total.Sub(principal.Round(2)),
		TotalRepayable: total,
		AsOf:           asOf,
	}, true
}

// P + P*R*(days/365)/100, with the division done last.
func simple(principal, rate decimal.Decimal, days int) decimal.Decimal {
	accrued := principal.Mul(rate).Mul(decimal.NewFromInt(int64(days))).Div(percentPerYear)
	return principal.Add(accrued)
}

// P * (1 + R/100/365)^days
func compound(principal, rate decimal.Decimal, days int) decimal.Decimal {
	dailyRate := rate.DivRound(percentPerYear, compoundScale)
	return principal.Mul(pow(decimal.NewFromInt(1).Add(dailyRate), days))
}

// pow raises base to a non-negative integer power by repeated squaring.
func pow(base decimal.Decimal, n int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base).Round(compoundScale)
		}
		n >>= 1
		if n > 0 {
			base = base.Mul(base).Round(compoundScale)
		}
	}
	return result
}
