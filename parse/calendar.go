package parse

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"roundabout.dev/analytics/model"
	"roundabout.dev/analytics/schedule"
)

type CalendarCSV struct {
	ServiceID string `csv:"service_id"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
	Monday    int8   `csv:"monday"`
	Tuesday   int8   `csv:"tuesday"`
	Wednesday int8   `csv:"wednesday"`
	Thursday  int8   `csv:"thursday"`
	Friday    int8   `csv:"friday"`
	Saturday  int8   `csv:"saturday"`
	Sunday    int8   `csv:"sunday"`
}

// Packs the seven day columns into a bitmask indexed by time.Weekday.
func (c *CalendarCSV) weekdays() (int8, error) {
	days := map[time.Weekday]int8{
		time.Monday:    c.Monday,
		time.Tuesday:   c.Tuesday,
		time.Wednesday: c.Wednesday,
		time.Thursday:  c.Thursday,
		time.Friday:    c.Friday,
		time.Saturday:  c.Saturday,
		time.Sunday:    c.Sunday,
	}

	var mask int8
	for day, value := range days {
		switch value {
		case 0:
		case 1:
			mask |= 1 << day
		default:
			return 0, fmt.Errorf("invalid %s value '%d'", day, value)
		}
	}
	return mask, nil
}

// Returns the set of service IDs, and the min and max date covered.
func ParseCalendar(writer schedule.FeedWriter, data io.Reader) (map[string]bool, string, string, error) {
	rows := []*CalendarCSV{}
	if err := gocsv.Unmarshal(data, &rows); err != nil {
		return nil, "", "", fmt.Errorf("unmarshaling calendar csv: %w", err)
	}

	services := map[string]bool{}
	var minDate, maxDate string

	for _, c := range rows {
		if c.ServiceID == "" {
			return nil, "", "", fmt.Errorf("empty service_id")
		}
		if services[c.ServiceID] {
			return nil, "", "", fmt.Errorf("repeated service_id '%s'", c.ServiceID)
		}
		services[c.ServiceID] = true

		weekday, err := c.weekdays()
		if err != nil {
			return nil, "", "", fmt.Errorf("service_id '%s': %w", c.ServiceID, err)
		}

		for _, date := range []string{c.StartDate, c.EndDate} {
			if _, err := time.ParseInLocation("20060102", date, time.UTC); err != nil {
				return nil, "", "", fmt.Errorf("parsing date '%s': %w", date, err)
			}
		}

		if minDate == "" || c.StartDate < minDate {
			minDate = c.StartDate
		}
		if maxDate == "" || c.EndDate > maxDate {
			maxDate = c.EndDate
		}

		err = writer.WriteCalendar(&model.Calendar{
			ServiceID: c.ServiceID,
			StartDate: c.StartDate,
			EndDate:   c.EndDate,
			Weekday:   weekday,
		})
		if err != nil {
			return nil, "", "", fmt.Errorf("writing calendar: %w", err)
		}
	}

	return services, minDate, maxDate, nil
}
