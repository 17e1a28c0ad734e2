package scheduler

import (
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

// Rules are standard five-field cron expressions, optionally prefixed with
// CRON_TZ=<zone>, or descriptors such as @daily.
var ruleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseRule(rule string) (cron.Schedule, error) {
	schedule, err := ruleParser.Parse(rule)
	if err != nil {
		return nil, &domain.ValidationError{Field: "recurrence", Reason: err.Error()}
	}
	return schedule, nil
}

// NextFireAt returns the first activation of rule strictly after the later of
// fireAt and now. Occurrences missed while the engine was down are skipped.
func NextFireAt(rule string, fireAt, now time.Time) (time.Time, error) {
	schedule, err := ParseRule(rule)
	if err != nil {
		return time.Time{}, err
	}
	base := fireAt
	if now.After(base) {
		base = now
	}
	return schedule.Next(base).UTC(), nil
}

var seriesNamespace = uuid.MustParse("6f1c1a52-93d4-4b43-9d0e-7f3f5e0f4a11")

// SeriesID derives a stable series identifier from a name, so a process can
// re-register its recurring triggers on every start without duplicating them.
func SeriesID(name string) string {
	return uuid.NewSHA1(seriesNamespace, []byte(name)).String()
}
