package settlement

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/channel-hub/internal/model"
)

// ErrInvalidSchedule возвращается для нераспознанных настроек расписания.
var ErrInvalidSchedule = errors.New("invalid settlement schedule")

// DefaultScheduleWindow длительность окна, в течение которого плановый расчёт считается наступившим.
const DefaultScheduleWindow = time.Hour

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// DefaultPreference настройки получателя, не зарегистрированного в реестре.
func DefaultPreference() model.Preference {
	return model.Preference{Schedule: model.ScheduleInstant}
}

// IsDue сообщает, наступило ли время расчёта по расписанию pref в момент now.
// Расписание daily наступает в [HH:MM, HH:MM+window) по UTC, weekly дополнительно требует дня недели.
func IsDue(pref model.Preference, now time.Time, window time.Duration) (bool, error) {
	if window <= 0 {
		window = DefaultScheduleWindow
	}

	switch pref.Schedule {
	case "", model.ScheduleInstant:
		return true, nil
	case model.ScheduleDaily, model.ScheduleWeekly:
	default:
		return false, fmt.Errorf("%w: unknown schedule %q", ErrInvalidSchedule, pref.Schedule)
	}

	hour, minute, err := parseClock(pref.ScheduleTime)
	if err != nil {
		return false, err
	}

	day := time.Monday
	if pref.Schedule == model.ScheduleWeekly && pref.ScheduleDay != "" {
		d, ok := weekdays[strings.ToLower(strings.TrimSpace(pref.ScheduleDay))]
		if !ok {
			return false, fmt.Errorf("%w: unknown day %q", ErrInvalidSchedule, pref.ScheduleDay)
		}
		day = d
	}

	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)

	// Окно, начавшееся вчера, может захватывать полночь.
	for _, start := range []time.Time{today, today.AddDate(0, 0, -1)} {
		if now.Before(start) || !now.Before(start.Add(window)) {
			continue
		}
		if pref.Schedule == model.ScheduleWeekly && start.Weekday() != day {
			continue
		}
		return true, nil
	}
	return false, nil
}

func parseClock(v string) (int, int, error) {
	if v == "" {
		return 0, 0, nil
	}
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: schedule time %q", ErrInvalidSchedule, v)
	}
	return t.Hour(), t.Minute(), nil
}
