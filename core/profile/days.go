package profile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var dayNames = map[string]time.Weekday{
	"MON": time.Monday, "MONDAY": time.Monday,
	"TUE": time.Tuesday, "TUESDAY": time.Tuesday,
	"WED": time.Wednesday, "WEDNESDAY": time.Wednesday,
	"THU": time.Thursday, "THURSDAY": time.Thursday,
	"FRI": time.Friday, "FRIDAY": time.Friday,
	"SAT": time.Saturday, "SATURDAY": time.Saturday,
	"SUN": time.Sunday, "SUNDAY": time.Sunday,
}

// ParseDays parses a comma-separated day list. Numbers follow ISO-8601
// (1 = Monday, 7 = Sunday); English names and three-letter abbreviations are
// accepted as well.
func ParseDays(s string) ([]time.Weekday, error) {
	seen := make(map[time.Weekday]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			if n < 1 || n > 7 {
				return nil, fmt.Errorf("day %d out of range 1-7", n)
			}
			seen[time.Weekday(n%7)] = true
			continue
		}
		d, ok := dayNames[part]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", part)
		}
		seen[d] = true
	}
	days := make([]time.Weekday, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}

// FormatDays renders days using ISO numbers.
func FormatDays(days []time.Weekday) string {
	parts := make([]string, len(days))
	for i, d := range days {
		n := int(d)
		if n == 0 {
			n = 7
		}
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
