package lifecycle

import (
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
)

// checkBirthdays emits a birthday event for every agent whose identity
// date of birth matches today's month and day. The check is keyed by
// calendar date, so the hourly ticks after the first are no-ops.
func (m *Manager) checkBirthdays(now time.Time) {
	day := now.Format("2006-01-02")

	m.birthdayMu.Lock()
	if m.birthdayDay == day {
		m.birthdayMu.Unlock()
		return
	}
	m.birthdayDay = day
	m.birthdayMu.Unlock()

	m.eachEntry(func(entry *agentEntry) {
		agent := m.snapshot(entry)
		dob := agent.Config.Identity.DateOfBirth
		if dob == nil {
			return
		}
		if dob.Month() != now.Month() || dob.Day() != now.Day() {
			return
		}
		age := now.Year() - dob.Year()
		m.logger.Info("Agent birthday", "agent_id", agent.ID, "age", age)
		m.emit(agent, models.EventBirthday, map[string]any{"age": age})
		if m.birthdayHook != nil {
			m.birthdayHook(agent, age)
		}
	})
}
