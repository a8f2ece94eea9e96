package processor

import (
	"sort"
	"time"

	"unlockflow/models"
)

type weekTokenKey struct {
	week  string
	token string
}

// AggregateWeekly sums unlock amount and USD value per (week, token). The
// earliest start and latest end date seen for a week are carried onto its
// rows. Output is sorted by week, then token.
func AggregateWeekly(records []models.UnlockRecord) []models.WeeklyUnlock {
	if len(records) == 0 {
		return nil
	}

	totals := make(map[weekTokenKey]*models.WeeklyUnlock)
	for _, rec := range records {
		key := weekTokenKey{week: rec.Week, token: rec.Token}
		row, ok := totals[key]
		if !ok {
			row = &models.WeeklyUnlock{
				Week:      rec.Week,
				Token:     rec.Token,
				StartDate: rec.StartDate,
				EndDate:   rec.EndDate,
			}
			totals[key] = row
		}
		row.Amount += rec.Amount
		row.ValueUSD += rec.ValueUSD
		if rec.StartDate.Before(row.StartDate) {
			row.StartDate = rec.StartDate
		}
		if rec.EndDate.After(row.EndDate) {
			row.EndDate = rec.EndDate
		}
	}

	rows := make([]models.WeeklyUnlock, 0, len(totals))
	for _, row := range totals {
		rows = append(rows, *row)
	}
	sortWeekly(rows)
	return rows
}

// BucketMinor relabels tokens whose share of their week's total USD value
// falls strictly below thresholdPct as OTHER and re-aggregates. Weekly totals
// are preserved: bucketing moves value between labels, never creates or
// destroys it. Percent is populated on the result.
func BucketMinor(rows []models.WeeklyUnlock, thresholdPct float64) []models.WeeklyUnlock {
	if len(rows) == 0 {
		return nil
	}

	weekTotals := make(map[string]float64)
	for _, row := range rows {
		weekTotals[row.Week] += row.ValueUSD
	}

	bucketed := make(map[weekTokenKey]*models.WeeklyUnlock)
	for _, row := range rows {
		token := row.Token
		if total := weekTotals[row.Week]; total > 0 {
			share := row.ValueUSD / total * 100
			if share < thresholdPct {
				token = models.OtherBucket
			}
		}

		key := weekTokenKey{week: row.Week, token: token}
		out, ok := bucketed[key]
		if !ok {
			out = &models.WeeklyUnlock{
				Week:      row.Week,
				Token:     token,
				StartDate: row.StartDate,
				EndDate:   row.EndDate,
			}
			bucketed[key] = out
		}
		out.Amount += row.Amount
		out.ValueUSD += row.ValueUSD
		if row.StartDate.Before(out.StartDate) {
			out.StartDate = row.StartDate
		}
		if row.EndDate.After(out.EndDate) {
			out.EndDate = row.EndDate
		}
	}

	result := make([]models.WeeklyUnlock, 0, len(bucketed))
	for _, row := range bucketed {
		if total := weekTotals[row.Week]; total > 0 {
			row.Percent = row.ValueUSD / total * 100
		}
		result = append(result, *row)
	}
	sortWeekly(result)
	return result
}

// FilterRange keeps rows whose week lies inside [from, to]: the week's start
// date on or after from and its end date on or before to, compared at day
// granularity. Zero bounds are open-ended. An empty result is a valid
// outcome, not an error.
func FilterRange(rows []models.WeeklyUnlock, from, to time.Time) []models.WeeklyUnlock {
	filtered := make([]models.WeeklyUnlock, 0, len(rows))
	for _, row := range rows {
		if !from.IsZero() && dayOf(row.StartDate).Before(dayOf(from)) {
			continue
		}
		if !to.IsZero() && dayOf(row.EndDate).After(dayOf(to)) {
			continue
		}
		filtered = append(filtered, row)
	}
	return filtered
}

// Summarize computes the headline metrics for the given rows: total USD
// value, distinct non-OTHER tokens, and the average weekly USD value.
func Summarize(rows []models.WeeklyUnlock) models.Summary {
	summary := models.Summary{GeneratedAt: time.Now().UTC()}
	if len(rows) == 0 {
		return summary
	}

	weekTotals := make(map[string]float64)
	tokens := make(map[string]struct{})
	for _, row := range rows {
		summary.TotalValueUSD += row.ValueUSD
		weekTotals[row.Week] += row.ValueUSD
		if row.Token != models.OtherBucket {
			tokens[row.Token] = struct{}{}
		}
	}

	summary.SignificantTokens = len(tokens)
	summary.Weeks = len(weekTotals)
	if len(weekTotals) > 0 {
		summary.AvgWeeklyValueUSD = summary.TotalValueUSD / float64(len(weekTotals))
	}
	return summary
}

func sortWeekly(rows []models.WeeklyUnlock) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Week != rows[j].Week {
			return rows[i].Week < rows[j].Week
		}
		return rows[i].Token < rows[j].Token
	})
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
