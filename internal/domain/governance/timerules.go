package governance

import (
	"fmt"
	"time"
)

// TimeAction is what a matching time rule dictates.
type TimeAction string

// Time rule actions.
const (
	TimeAllow TimeAction = "allow"
	TimeBlock TimeAction = "block"
	// TimeAlert allows the request but raises an elevated-severity audit event.
	TimeAlert TimeAction = "alert"
)

// TimeRule restricts tagged principals to a time window. Start and End are
// minutes-of-day in the evaluator's timezone; a window with End < Start
// crosses midnight (e.g. 21:00–07:00).
type TimeRule struct {
	// Name identifies the rule in deny reasons and audit events.
	Name string `yaml:"name" json:"name"`
	// Start is the window start, "HH:MM".
	Start string `yaml:"start" json:"start"`
	// End is the window end, "HH:MM".
	End string `yaml:"end" json:"end"`
	// Days lists applicable weekdays; empty means every day.
	Days []time.Weekday `yaml:"days" json:"days"`
	// AppliesTo lists principal tags (roles or teams) the rule targets;
	// empty means everyone.
	AppliesTo []string `yaml:"applies_to" json:"applies_to"`
	// Action is what the rule dictates inside the window.
	Action TimeAction `yaml:"action" json:"action"`
}

// TimeRuleMatch is the outcome of evaluating the rule list.
type TimeRuleMatch struct {
	Matched bool
	Rule    TimeRule
}

// TimeRuleSet evaluates an ordered rule list against wall-clock time in a
// configured location. The first matching rule wins.
type TimeRuleSet struct {
	rules    []TimeRule
	location *time.Location
	now      func() time.Time
}

// NewTimeRuleSet creates a rule set. nil loc defaults to UTC.
func NewTimeRuleSet(rules []TimeRule, loc *time.Location) (*TimeRuleSet, error) {
	if loc == nil {
		loc = time.UTC
	}
	for _, r := range rules {
		if _, err := parseClock(r.Start); err != nil {
			return nil, fmt.Errorf("rule %q: invalid start: %w", r.Name, err)
		}
		if _, err := parseClock(r.End); err != nil {
			return nil, fmt.Errorf("rule %q: invalid end: %w", r.Name, err)
		}
		switch r.Action {
		case TimeAllow, TimeBlock, TimeAlert:
		default:
			return nil, fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
		}
	}
	return &TimeRuleSet{rules: rules, location: loc, now: time.Now}, nil
}

// Evaluate returns the first rule matching the principal's tags and the
// current time, or Matched=false when none apply.
func (s *TimeRuleSet) Evaluate(principalTags []string) TimeRuleMatch {
	now := s.now().In(s.location)
	minute := now.Hour()*60 + now.Minute()
	day := now.Weekday()

	for _, r := range s.rules {
		if !r.appliesTo(principalTags) {
			continue
		}
		if !r.matchesDay(day) {
			continue
		}
		if r.inWindow(minute) {
			return TimeRuleMatch{Matched: true, Rule: r}
		}
	}
	return TimeRuleMatch{}
}

func (r TimeRule) appliesTo(tags []string) bool {
	if len(r.AppliesTo) == 0 {
		return true
	}
	for _, want := range r.AppliesTo {
		for _, tag := range tags {
			if tag == want {
				return true
			}
		}
	}
	return false
}

func (r TimeRule) matchesDay(d time.Weekday) bool {
	if len(r.Days) == 0 {
		return true
	}
	for _, rd := range r.Days {
		if rd == d {
			return true
		}
	}
	return false
}

// inWindow checks the minute-of-day against the window, handling windows
// that cross midnight.
func (r TimeRule) inWindow(minute int) bool {
	start, _ := parseClock(r.Start)
	end, _ := parseClock(r.End)
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// parseClock parses "HH:MM" into a minute-of-day.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range: %q", s)
	}
	return h*60 + m, nil
}
