package reminder

import "time"

// DefaultHour is the local hour at which seeded reminders come due.
const DefaultHour = 10

type seedReminder struct {
	kind      Kind
	frequency Frequency
	title     string
	message   string
}

var seedReminders = []seedReminder{
	{
		kind:      KindWaterChange,
		frequency: FrequencyWeekly,
		title:     "Water change",
		message:   "Time for the weekly water change.",
	},
	{
		kind:      KindParameterCheck,
		frequency: FrequencyWeekly,
		title:     "Water parameter check",
		message:   "Test pH, ammonia, nitrite and nitrate.",
	},
	{
		kind:      KindFilterClean,
		frequency: FrequencyMonthly,
		title:     "Filter maintenance",
		message:   "Rinse the filter media in tank water.",
	},
}

// Defaults builds the three disabled reminders seeded for a tank with none.
// Each comes due tomorrow at 10:00 local time plus its frequency's day count.
// IDs are left empty; the store assigns them.
func Defaults(tankID, tankName string, now time.Time, loc *time.Location) []Reminder {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	tomorrow := time.Date(local.Year(), local.Month(), local.Day()+1, DefaultHour, 0, 0, 0, loc)

	out := make([]Reminder, 0, len(seedReminders))
	for _, seed := range seedReminders {
		r := Reminder{
			TankID:    tankID,
			TankName:  tankName,
			Kind:      seed.kind,
			Title:     seed.title,
			Message:   seed.message,
			Frequency: seed.frequency,
			Enabled:   false,
		}
		r.NextDueAt = CalculateNextDate(&r, tomorrow)
		out = append(out, r)
	}
	return out
}
