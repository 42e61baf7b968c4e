package intent

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrMalformedTime = errors.New("intent: malformed time of day")

var clockPattern = regexp.MustCompile(`^(\d{1,2})\s*(?:[h:]\s*(\d{2})?|(\d{2}))?\s*(am|pm)?$`)

// ParseClock reads a time token such as "14h", "14h30", "15:30", "1530",
// "2pm" or "10 am" into hour and minute.
func ParseClock(token string) (hour, minute int, err error) {
	m := clockPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(token)))
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedTime, token)
	}

	hour, _ = strconv.Atoi(m[1])
	switch {
	case m[2] != "":
		minute, _ = strconv.Atoi(m[2])
	case m[3] != "":
		minute, _ = strconv.Atoi(m[3])
	}

	switch m[4] {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("%w: %q", ErrMalformedTime, token)
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("%w: %q", ErrMalformedTime, token)
		}
		if hour != 12 {
			hour += 12
		}
	}

	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedTime, token)
	}
	return hour, minute, nil
}
