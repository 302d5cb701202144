package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is either a cron expression or a fixed interval.
type Schedule struct {
	Cron  string
	Every time.Duration
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts a 5 field cron expression or descriptor
// ("@hourly", "@every 10m"), an ISO-8601 duration ("PT5M") or a Go
// duration ("5m").
func ParseSchedule(expr string) (Schedule, error) {
	e := strings.TrimSpace(expr)
	switch {
	case e == "":
		return Schedule{}, errors.New("empty schedule")
	case strings.HasPrefix(e, "@") || strings.Contains(e, " "):
		if _, err := cronParser.Parse(e); err != nil {
			return Schedule{}, fmt.Errorf("parsing cron expression %q: %w", e, err)
		}
		return Schedule{Cron: e}, nil
	}

	var d time.Duration
	var err error
	if strings.HasPrefix(e, "P") {
		d, err = ParseISODuration(e)
	} else {
		d, err = time.ParseDuration(e)
	}
	if err != nil {
		return Schedule{}, err
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("schedule interval must be positive, got %s", d)
	}
	return Schedule{Every: d}, nil
}

func (s Schedule) String() string {
	if s.Cron != "" {
		return s.Cron
	}
	return "@every " + s.Every.String()
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

// ParseISODuration supports the day and time designators of ISO-8601
// durations, e.g. P1D, PT12H, P1DT2H30M, PT0.5S.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	units := [...]time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrISOFormat, err)
		}
		ret += time.Duration(n) * unit
	}
	if sec := m[4]; sec != "" {
		f, err := strconv.ParseFloat(strings.Replace(sec, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrISOFormat, err)
		}
		ret += time.Duration(f * float64(time.Second))
	}
	return ret, nil
}
