package schedule

import (
	"time"

	"roundabout.dev/analytics/model"
)

// Returns the set of service IDs active on date (YYYYMMDD). A nil
// set means the feed has no calendar information and every service
// is considered active.
func (i *Index) ActiveServices(date string) map[string]bool {
	if len(i.calendars) == 0 && len(i.calendarDates) == 0 {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if services, found := i.active[date]; found {
		return services
	}

	services := map[string]bool{}

	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		i.active[date] = services
		return services
	}

	for _, calendar := range i.calendars {
		if calendar.Weekday&(1<<parsedDate.Weekday()) == 0 {
			continue
		}
		if calendar.StartDate > date || calendar.EndDate < date {
			continue
		}
		services[calendar.ServiceID] = true
	}

	for _, cd := range i.calendarDates[date] {
		switch cd.ExceptionType {
		case model.ExceptionTypeAdded:
			services[cd.ServiceID] = true
		case model.ExceptionTypeRemoved:
			delete(services, cd.ServiceID)
		}
	}

	i.active[date] = services
	return services
}

func isActive(services map[string]bool, serviceID string) bool {
	return services == nil || services[serviceID]
}

// Service days begin at noon minus 12h local time, which differs from
// midnight on days with a DST change.
func (i *Index) serviceStart(day time.Time) time.Time {
	noon := time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, i.location)
	return noon.Add(-12 * time.Hour)
}

// The service days whose trips may be running around t: yesterday's
// for trips past midnight, and tomorrow's for lookups near the end of
// the day.
func (i *Index) serviceDays(t time.Time) []time.Time {
	local := t.In(i.location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, i.location)
	return []time.Time{today.AddDate(0, 0, -1), today, today.AddDate(0, 0, 1)}
}
