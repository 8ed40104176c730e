package model

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrISOFormat  = errors.New("invalid ISO8601 duration")
	ErrCronFormat = errors.New("invalid cron expression")
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five field cron expression or a descriptor such as
// @hourly or @every 5m.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, fmt.Errorf("%w: empty", ErrCronFormat)
	}
	schedule, err := cronParser.Parse(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCronFormat, err)
	}
	return schedule, nil
}

type designator struct {
	unit byte
	d    time.Duration
}

var (
	dateDesignators = []designator{{'D', 24 * time.Hour}}
	timeDesignators = []designator{{'H', time.Hour}, {'M', time.Minute}, {'S', time.Second}}
)

// ParseISODuration parses durations of the form PnDTnHnMnS as used by
// shutdown_timeout and status.every. Designators must come in order, only
// seconds take a fraction and signs are not accepted. Years, months and
// weeks are rejected, they have no fixed length.
func ParseISODuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, fmt.Errorf("%w: %q", ErrISOFormat, s)
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if hasT && clock == "" {
		return 0, fmt.Errorf("%w: %q: no time after T", ErrISOFormat, s)
	}

	days, err := sumDesignators(date, dateDesignators)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrISOFormat, s, err)
	}
	hms, err := sumDesignators(clock, timeDesignators)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrISOFormat, s, err)
	}
	return days + hms, nil
}

func sumDesignators(s string, units []designator) (time.Duration, error) {
	var total time.Duration
	next := 0
	for s != "" {
		i := strings.IndexFunc(s, func(r rune) bool {
			return r != '.' && r != ',' && (r < '0' || r > '9')
		})
		switch i {
		case -1:
			return 0, fmt.Errorf("missing designator after %s", s)
		case 0:
			return 0, fmt.Errorf("missing number before %c", s[0])
		}
		num, unit := s[:i], s[i]
		s = s[i+1:]

		idx := slices.IndexFunc(units[next:], func(u designator) bool { return u.unit == unit })
		if idx < 0 {
			return 0, fmt.Errorf("unexpected designator %c", unit)
		}
		u := units[next+idx]
		next += idx + 1

		d, err := scale(num, u)
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

func scale(num string, u designator) (time.Duration, error) {
	whole, frac, hasFrac := strings.Cut(strings.Replace(num, ",", ".", 1), ".")
	if hasFrac && (u.unit != 'S' || frac == "" || len(frac) > 9) {
		return 0, fmt.Errorf("invalid fraction %s%c", num, u.unit)
	}
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s%c: %w", num, u.unit, err)
	}
	d := time.Duration(n) * u.d
	if hasFrac {
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing fraction %s: %w", frac, err)
		}
		d += time.Duration(float64(f) / math.Pow10(len(frac)) * float64(u.d))
	}
	return d, nil
}
