package deploy

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"loom/internal/logging"
)

// ErrNoRecurrence is returned by BuildCronExpression for the "once" frequency:
// the trigger fires a single time at deployment and never recurs.
var ErrNoRecurrence = fmt.Errorf("frequency has no recurrence")

// CronScheduler registers and removes scheduled jobs. The production
// implementation wraps robfig/cron; tests substitute a recording fake.
type CronScheduler interface {
	RegisterCronJob(jobID, expr string, callback func(), timezone string) error
	RemoveCronJob(jobID string)
	Stop()
}

// RobfigScheduler runs jobs on a six-field (seconds-resolution) cron.
type RobfigScheduler struct {
	cron   *cron.Cron
	logger logging.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	stopped bool
}

// NewRobfigScheduler builds and starts the scheduler.
func NewRobfigScheduler(logger logging.Logger) *RobfigScheduler {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &RobfigScheduler{
		cron:    c,
		logger:  logging.OrNop(logger),
		entries: make(map[string]cron.EntryID),
	}
}

// RegisterCronJob adds a job. Registration is idempotent by jobID: an existing
// job under the same ID is replaced.
func (s *RobfigScheduler) RegisterCronJob(jobID, expr string, callback func(), timezone string) error {
	spec := expr
	if timezone != "" {
		spec = "CRON_TZ=" + timezone + " " + expr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("scheduler stopped")
	}
	if existing, ok := s.entries[jobID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, jobID)
	}
	entryID, err := s.cron.AddFunc(spec, callback)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for job %s: %w", spec, jobID, err)
	}
	s.entries[jobID] = entryID
	s.logger.Info("CronScheduler: registered job %s (%s)", jobID, spec)
	return nil
}

// RemoveCronJob removes a job. Unknown IDs are ignored.
func (s *RobfigScheduler) RemoveCronJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
		s.logger.Info("CronScheduler: removed job %s", jobID)
	}
}

// Stop halts the scheduler and waits for running callbacks to return. Safe to
// call multiple times.
func (s *RobfigScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// JobCount reports the number of registered jobs.
func (s *RobfigScheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// BuildCronExpression maps the user-friendly cron node parameters to a
// six-field cron expression (s m h dom mon dow). The "once" frequency returns
// ErrNoRecurrence: the caller fires the trigger immediately instead.
func BuildCronExpression(params map[string]any) (string, error) {
	frequency, _ := params["frequency"].(string)
	switch frequency {
	case "seconds":
		interval := intervalParam(params, "interval", 1)
		return fmt.Sprintf("*/%d * * * * *", interval), nil
	case "minutes":
		interval := intervalParam(params, "intervalMinutes", 1)
		if interval == 1 {
			return "0 * * * * *", nil
		}
		return fmt.Sprintf("0 */%d * * * *", interval), nil
	case "hours":
		interval := intervalParam(params, "intervalHours", 1)
		if interval == 1 {
			return "0 0 * * * *", nil
		}
		return fmt.Sprintf("0 0 */%d * * *", interval), nil
	case "days":
		hour, minute, err := parseClock(params, "dailyTime")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("0 %d %d * * *", minute, hour), nil
	case "weeks":
		hour, minute, err := parseClock(params, "weeklyTime")
		if err != nil {
			return "", err
		}
		weekday := intervalParam(params, "weekday", 0)
		if weekday < 0 || weekday > 6 {
			return "", fmt.Errorf("weekday %d out of range 0-6", weekday)
		}
		return fmt.Sprintf("0 %d %d * * %d", minute, hour, weekday), nil
	case "months":
		hour, minute, err := parseClock(params, "monthlyTime")
		if err != nil {
			return "", err
		}
		day := intervalParam(params, "monthDay", 1)
		if day < 1 || day > 31 {
			return "", fmt.Errorf("monthDay %d out of range 1-31", day)
		}
		return fmt.Sprintf("0 %d %d %d * *", minute, hour, day), nil
	case "once":
		return "", ErrNoRecurrence
	default:
		return "", fmt.Errorf("unknown cron frequency %q", frequency)
	}
}

func intervalParam(params map[string]any, name string, fallback int) int {
	switch v := params[name].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// parseClock reads an "HH:MM" parameter.
func parseClock(params map[string]any, name string) (hour, minute int, err error) {
	raw, _ := params[name].(string)
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("parameter %s: expected HH:MM, got %q", name, raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("parameter %s: bad hour in %q", name, raw)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("parameter %s: bad minute in %q", name, raw)
	}
	return hour, minute, nil
}
