package httpx

import (
	"fmt"
	"net/url"
	"time"
)

const dateLayout = "2006-01-02"

// ParseRange reads the half-open [from, to) window from query parameters.
// Values may be RFC3339 timestamps or plain dates; a plain "to" date covers
// that whole day. Missing values stay zero.
func ParseRange(q url.Values) (time.Time, time.Time, error) {
	from, err := parseInstant(q.Get("from"), false)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from: %v", ErrValidation, err)
	}
	to, err := parseInstant(q.Get("to"), true)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to: %v", ErrValidation, err)
	}
	return from, to, nil
}

func parseInstant(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return t.UTC(), nil
}
