package usage

import (
	"context"
	"time"
)

// Period selects the budget window of a report.
type Period string

// Supported periods.
const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// ParsePeriod maps a query value to a Period. Empty means day.
func ParsePeriod(s string) (Period, bool) {
	switch Period(s) {
	case "", PeriodDay:
		return PeriodDay, true
	case PeriodMonth:
		return PeriodMonth, true
	}
	return "", false
}

// Report is the token budget state for one period.
// Limit 0 means the period is unlimited; Remaining is then -1.
type Report struct {
	Period      Period    `json:"period"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Limit       int64     `json:"tokens_limit"`
	Used        int64     `json:"tokens_used"`
	Remaining   int64     `json:"tokens_remaining"`
	Exhausted   bool      `json:"exhausted"`
}

// Service handles usage reporting.
type Service struct {
	br  BudgetReader
	now func() time.Time
}

// New creates a Service. br can be nil (unlimited mode).
func New(br BudgetReader) *Service {
	return &Service{br: br, now: time.Now}
}

// GetReport builds a usage report for the given period.
func (s *Service) GetReport(_ context.Context, period Period) Report {
	now := s.now().UTC()
	r := Report{Period: period, Remaining: -1}

	switch period {
	case PeriodMonth:
		r.PeriodStart = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		r.PeriodEnd = r.PeriodStart.AddDate(0, 1, 0)
		if s.br != nil {
			r.Limit, r.Used, r.Remaining = s.br.MonthlyLimit(), s.br.MonthlyUsed(), s.br.RemainingMonthly()
		}
	default:
		r.Period = PeriodDay
		r.PeriodStart = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		r.PeriodEnd = r.PeriodStart.Add(24 * time.Hour)
		if s.br != nil {
			r.Limit, r.Used, r.Remaining = s.br.DailyLimit(), s.br.DailyUsed(), s.br.RemainingDaily()
		}
	}

	r.Exhausted = r.Limit > 0 && r.Remaining <= 0
	return r
}
