// Package schedule maps wall-clock time to the active strategy name.
// Sessions are half-open [start, end) intervals in a configured zone; a
// session whose end is at or before its start wraps past midnight. Gaps fall
// back to the default strategy.
package schedule

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mqr-labs/keybar-bot/internal/config"
)

const minutesPerDay = 24 * 60

// Session is one resolved schedule entry.
type Session struct {
	Name     string
	Start    int // minutes since midnight, inclusive
	End      int // minutes since midnight, exclusive; End <= Start wraps
	Strategy string
}

// interval is a non-wrapping slice of a session.
type interval struct {
	start   int // inclusive
	end     int // exclusive
	session int // index into sessions
}

// Scheduler resolves the authoritative strategy for any instant.
type Scheduler struct {
	enabled         bool
	loc             *time.Location
	defaultStrategy string
	sessions        []Session
	intervals       []interval
	logger          *log.Logger

	mu          sync.Mutex
	lastSession string
}

// New builds a scheduler from the schedule config. Overlapping sessions and
// unknown strategy references are rejected; uncovered minutes only warn.
func New(cfg config.ScheduleConfig, defaultStrategy string, logger *log.Logger) (*Scheduler, error) {
	s := &Scheduler{
		enabled:         cfg.Enabled,
		loc:             config.Location(cfg.Timezone),
		defaultStrategy: defaultStrategy,
		logger:          logger,
	}
	if !cfg.Enabled {
		return s, nil
	}

	for _, sc := range cfg.Sessions {
		start := config.ParseClock(sc.StartTime)
		end := config.ParseClock(sc.EndTime)
		if start < 0 || end < 0 {
			return nil, fmt.Errorf("session %q has invalid times %q-%q", sc.Name, sc.StartTime, sc.EndTime)
		}
		if !config.KnownStrategies[sc.Strategy] {
			return nil, fmt.Errorf("session %q references unknown strategy %q", sc.Name, sc.Strategy)
		}
		idx := len(s.sessions)
		s.sessions = append(s.sessions, Session{Name: sc.Name, Start: start, End: end, Strategy: sc.Strategy})

		if start < end {
			s.intervals = append(s.intervals, interval{start: start, end: end, session: idx})
		} else {
			// Midnight wrap: split into the evening and morning halves.
			s.intervals = append(s.intervals,
				interval{start: start, end: minutesPerDay, session: idx},
				interval{start: 0, end: end, session: idx})
		}
	}

	sort.Slice(s.intervals, func(i, j int) bool { return s.intervals[i].start < s.intervals[j].start })

	covered := 0
	for i, iv := range s.intervals {
		covered += iv.end - iv.start
		if i == 0 {
			continue
		}
		prev := s.intervals[i-1]
		if iv.start < prev.end {
			return nil, fmt.Errorf("sessions %q and %q overlap",
				s.sessions[prev.session].Name, s.sessions[iv.session].Name)
		}
	}
	if covered < minutesPerDay {
		logger.Printf("Schedule leaves %d minute(s) uncovered; default strategy %q fills the gaps",
			minutesPerDay-covered, defaultStrategy)
	}
	return s, nil
}

// CurrentSession returns the session containing now, or nil during a gap or
// when the schedule is disabled.
func (s *Scheduler) CurrentSession(now time.Time) *Session {
	if !s.enabled {
		return nil
	}
	cur := s.minuteOf(now)
	for _, iv := range s.intervals {
		if cur >= iv.start && cur < iv.end {
			sess := s.sessions[iv.session]
			return &sess
		}
	}
	return nil
}

// CurrentStrategy returns the strategy name authoritative at now. Boundary
// instants resolve to the session that starts there. A change of session
// since the previous call is logged once.
func (s *Scheduler) CurrentStrategy(now time.Time) string {
	sess := s.CurrentSession(now)
	name, strategy := "", s.defaultStrategy
	if sess != nil {
		name, strategy = sess.Name, sess.Strategy
	}

	s.mu.Lock()
	changed := name != s.lastSession
	prev := s.lastSession
	s.lastSession = name
	s.mu.Unlock()

	if changed {
		switch {
		case name == "":
			s.logger.Printf("Session %q ended, falling back to strategy %q", prev, strategy)
		case prev == "":
			s.logger.Printf("Session %q started, strategy %q", name, strategy)
		default:
			s.logger.Printf("Session changed %q -> %q, strategy %q", prev, name, strategy)
		}
	}
	return strategy
}

// NextTransition returns the next instant the active strategy can change and
// the strategy that becomes authoritative then. ok is false when the
// schedule is disabled or has no sessions.
func (s *Scheduler) NextTransition(now time.Time) (time.Time, string, bool) {
	if !s.enabled || len(s.intervals) == 0 {
		return time.Time{}, "", false
	}

	cur := s.minuteOf(now)
	best := -1
	for _, iv := range s.intervals {
		for _, boundary := range []int{iv.start, iv.end % minutesPerDay} {
			delta := boundary - cur
			if delta <= 0 {
				delta += minutesPerDay
			}
			if best == -1 || delta < best {
				best = delta
			}
		}
	}

	local := now.In(s.loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), 0, local.Minute()+local.Hour()*60+best, 0, 0, s.loc)
	strategy := s.defaultStrategy
	if sess := s.CurrentSession(at); sess != nil {
		strategy = sess.Strategy
	}
	return at, strategy, true
}

func (s *Scheduler) minuteOf(now time.Time) int {
	local := now.In(s.loc)
	return local.Hour()*60 + local.Minute()
}
