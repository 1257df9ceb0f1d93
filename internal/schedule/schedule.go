// Package schedule evaluates task cron expressions.
package schedule

import (
	"fmt"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"

	"github.com/BadgerOps/artsync/internal/store"
)

// Error reports a malformed or unusable cron expression.
type Error struct {
	Expression string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expression, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var parser = cronv3.NewParser(
	cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor,
)

// Evaluator computes trigger times in a fixed location.
type Evaluator struct {
	loc *time.Location
}

// NewEvaluator returns an Evaluator for the named IANA zone. An empty name
// means UTC.
func NewEvaluator(timezone string) (*Evaluator, error) {
	name := strings.TrimSpace(timezone)
	if name == "" {
		return &Evaluator{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", name, err)
	}
	return &Evaluator{loc: loc}, nil
}

// Location returns the zone expressions are evaluated in.
func (e *Evaluator) Location() *time.Location {
	return e.loc
}

// Validate parses expression without computing a trigger time.
func (e *Evaluator) Validate(expression string) error {
	_, err := parse(expression)
	return err
}

// Next returns the first trigger strictly after from, in UTC.
func (e *Evaluator) Next(expression string, from time.Time) (time.Time, error) {
	sched, err := parse(expression)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from.In(e.loc))
	if next.IsZero() {
		return time.Time{}, &Error{Expression: expression, Err: fmt.Errorf("no trigger after %s", from.UTC().Format(time.RFC3339))}
	}
	return next.UTC(), nil
}

// IsCronTask reports whether the task is driven by a cron expression.
func IsCronTask(task *store.Task) bool {
	return task != nil && strings.TrimSpace(task.Setting.CronExpression) != ""
}

func parse(expression string) (cronv3.Schedule, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return nil, &Error{Expression: expression, Err: fmt.Errorf("expression is empty")}
	}
	// Quartz expressions may carry a seventh year field; only "*" is accepted.
	if fields := strings.Fields(expr); len(fields) == 7 {
		if fields[6] != "*" {
			return nil, &Error{Expression: expression, Err: fmt.Errorf("year field %q is not supported", fields[6])}
		}
		expr = strings.Join(fields[:6], " ")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, &Error{Expression: expression, Err: err}
	}
	return sched, nil
}
