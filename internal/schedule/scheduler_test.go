package schedule

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqr-labs/keybar-bot/internal/config"
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func utcSchedule(sessions ...config.SessionConfig) config.ScheduleConfig {
	return config.ScheduleConfig{Enabled: true, Timezone: "UTC", Sessions: sessions}
}

func at(t *testing.T, hour, minute int) time.Time {
	t.Helper()
	return time.Date(2025, 12, 8, hour, minute, 0, 0, time.UTC)
}

func TestScheduler_CurrentStrategy(t *testing.T) {
	s, err := New(utcSchedule(
		config.SessionConfig{Name: "london", StartTime: "03:00", EndTime: "08:00", Strategy: "crt"},
		config.SessionConfig{Name: "newyork", StartTime: "09:00", EndTime: "13:00", Strategy: "turtle_soup_fvg"},
	), "default", discard())
	require.NoError(t, err)

	assert.Equal(t, "crt", s.CurrentStrategy(at(t, 5, 0)))
	assert.Equal(t, "turtle_soup_fvg", s.CurrentStrategy(at(t, 10, 30)))
	// Gap between sessions falls back to the default.
	assert.Equal(t, "default", s.CurrentStrategy(at(t, 8, 30)))
}

func TestScheduler_BoundaryResolvesToStartingSession(t *testing.T) {
	s, err := New(utcSchedule(
		config.SessionConfig{Name: "a", StartTime: "03:00", EndTime: "09:00", Strategy: "crt"},
		config.SessionConfig{Name: "b", StartTime: "09:00", EndTime: "13:00", Strategy: "crt_revision"},
	), "default", discard())
	require.NoError(t, err)

	// 09:00 belongs to the session starting there, not the one ending.
	assert.Equal(t, "crt_revision", s.CurrentStrategy(at(t, 9, 0)))
	sess := s.CurrentSession(at(t, 9, 0))
	require.NotNil(t, sess)
	assert.Equal(t, "b", sess.Name)
}

func TestScheduler_MidnightWrap(t *testing.T) {
	s, err := New(utcSchedule(
		config.SessionConfig{Name: "overnight", StartTime: "17:00", EndTime: "09:00", Strategy: "crt"},
	), "default", discard())
	require.NoError(t, err)

	// Both sides of midnight resolve to the wrap session.
	assert.Equal(t, "crt", s.CurrentStrategy(at(t, 23, 30)))
	assert.Equal(t, "crt", s.CurrentStrategy(at(t, 2, 30)))
	// Outside the wrap window.
	assert.Equal(t, "default", s.CurrentStrategy(at(t, 12, 0)))
	// End is exclusive.
	assert.Equal(t, "default", s.CurrentStrategy(at(t, 9, 0)))
}

func TestScheduler_RejectsOverlap(t *testing.T) {
	_, err := New(utcSchedule(
		config.SessionConfig{Name: "a", StartTime: "03:00", EndTime: "09:00", Strategy: "crt"},
		config.SessionConfig{Name: "b", StartTime: "08:00", EndTime: "13:00", Strategy: "crt"},
	), "default", discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlap")
}

func TestScheduler_RejectsWrapOverlap(t *testing.T) {
	_, err := New(utcSchedule(
		config.SessionConfig{Name: "overnight", StartTime: "17:00", EndTime: "09:00", Strategy: "crt"},
		config.SessionConfig{Name: "morning", StartTime: "08:00", EndTime: "12:00", Strategy: "crt"},
	), "default", discard())
	require.Error(t, err)
}

func TestScheduler_RejectsUnknownStrategy(t *testing.T) {
	_, err := New(utcSchedule(
		config.SessionConfig{Name: "a", StartTime: "03:00", EndTime: "09:00", Strategy: "martingale"},
	), "default", discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestScheduler_DisabledAlwaysDefault(t *testing.T) {
	s, err := New(config.ScheduleConfig{Enabled: false}, "crt", discard())
	require.NoError(t, err)
	assert.Equal(t, "crt", s.CurrentStrategy(at(t, 10, 0)))
	assert.Nil(t, s.CurrentSession(at(t, 10, 0)))
}

func TestScheduler_NextTransition(t *testing.T) {
	s, err := New(utcSchedule(
		config.SessionConfig{Name: "london", StartTime: "03:00", EndTime: "08:00", Strategy: "crt"},
		config.SessionConfig{Name: "newyork", StartTime: "09:00", EndTime: "13:00", Strategy: "turtle_soup_fvg"},
	), "default", discard())
	require.NoError(t, err)

	// Inside london: the next boundary is its 08:00 end, where the
	// default takes over.
	when, strategy, ok := s.NextTransition(at(t, 5, 0))
	require.True(t, ok)
	assert.Equal(t, at(t, 8, 0), when)
	assert.Equal(t, "default", strategy)

	// In the gap: next boundary is the 09:00 session start.
	when, strategy, ok = s.NextTransition(at(t, 8, 30))
	require.True(t, ok)
	assert.Equal(t, at(t, 9, 0), when)
	assert.Equal(t, "turtle_soup_fvg", strategy)
}

func TestScheduler_SessionChangeLogged(t *testing.T) {
	var buf logBuffer
	s, err := New(utcSchedule(
		config.SessionConfig{Name: "london", StartTime: "03:00", EndTime: "08:00", Strategy: "crt"},
	), "default", log.New(&buf, "", 0))
	require.NoError(t, err)

	s.CurrentStrategy(at(t, 5, 0))
	s.CurrentStrategy(at(t, 6, 0)) // same session: no extra log
	s.CurrentStrategy(at(t, 9, 0)) // session ended

	logs := buf.String()
	assert.Contains(t, logs, `Session "london" started`)
	assert.Contains(t, logs, `Session "london" ended`)
}

type logBuffer struct {
	b []byte
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.b = append(l.b, p...)
	return len(p), nil
}

func (l *logBuffer) String() string { return string(l.b) }
