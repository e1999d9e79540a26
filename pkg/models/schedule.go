package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is the precomputed next fire time of a CronJob rule.
type Schedule struct {
	RuleID string `json:"rule_id" validate:"required"`
	AppID  string `json:"app_id"  validate:"required"`

	// CronExpression uses the standard 5-field format (minute hour day month weekday).
	CronExpression string `json:"cron_expression" validate:"required"`

	// Timezone is an IANA location name; empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	NextDueAt time.Time `json:"next_due_at"`
	Active    bool      `json:"active"`
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewSchedule builds the schedule of a cron rule with the next due time after now.
func NewSchedule(rule *Rule, now time.Time) (*Schedule, error) {
	if rule.Trigger == nil || rule.Trigger.Kind != TriggerCronJob {
		return nil, ErrInvalidSchedule
	}

	schedule := &Schedule{
		RuleID:         rule.ID,
		AppID:          rule.AppID,
		CronExpression: rule.Trigger.Schedule,
		Timezone:       rule.Trigger.Timezone,
		Active:         rule.Enabled,
	}

	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	if err := schedule.UpdateNextDueAt(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// Spec returns the cron spec including the CRON_TZ prefix understood by robfig/cron.
func (s *Schedule) Spec() string {
	if s.Timezone == "" {
		return s.CronExpression
	}

	return "CRON_TZ=" + s.Timezone + " " + s.CronExpression
}

// UpdateNextDueAt computes the next execution time after the reference time.
func (s *Schedule) UpdateNextDueAt(reference time.Time) error {
	location := time.UTC

	if s.Timezone != "" {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return errors.Join(ErrInvalidSchedule, err)
		}

		location = loc
	}

	parsed, err := scheduleParser.Parse(s.CronExpression)
	if err != nil {
		return errors.Join(ErrInvalidSchedule, err)
	}

	s.NextDueAt = parsed.Next(reference.In(location)).UTC()

	return nil
}

// IsDue checks if this schedule is due for execution at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active && !s.NextDueAt.After(now)
}

func (s *Schedule) Validate() error {
	if s.RuleID == "" || s.AppID == "" || s.CronExpression == "" {
		return ErrInvalidSchedule
	}

	if _, err := scheduleParser.Parse(s.CronExpression); err != nil {
		return errors.Join(ErrInvalidSchedule, err)
	}

	return nil
}

var (
	// ErrInvalidSchedule is returned when schedule validation fails
	ErrInvalidSchedule = errors.New("invalid schedule configuration")
)
