package pdp

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday accepts short or full English day names in any case.
func ParseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

// parseClock parses "15:04" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

type compiledWindow struct {
	days  [7]bool
	start int
	end   int
	loc   *time.Location
	err   error
}

// contains reports whether at falls inside the window. Windows whose start is
// after their end wrap midnight; the part after midnight belongs to the
// previous day's window.
func (w *compiledWindow) contains(at time.Time) bool {
	if w.err != nil {
		return false
	}
	local := at.In(w.loc)
	minute := local.Hour()*60 + local.Minute()
	day := local.Weekday()
	switch {
	case w.start < w.end:
		return w.days[day] && minute >= w.start && minute < w.end
	case w.start > w.end:
		if minute >= w.start {
			return w.days[day]
		}
		if minute < w.end {
			return w.days[(day+6)%7]
		}
		return false
	default:
		return false
	}
}

func compileWindow(tw TimeWindow) compiledWindow {
	w := compiledWindow{loc: time.UTC}
	if tw.Timezone != "" {
		loc, err := time.LoadLocation(tw.Timezone)
		if err != nil {
			w.err = fmt.Errorf("invalid timezone %q: %w", tw.Timezone, err)
			return w
		}
		w.loc = loc
	}
	var err error
	if w.start, err = parseClock(tw.Start); err != nil {
		w.err = err
		return w
	}
	if w.end, err = parseClock(tw.End); err != nil {
		w.err = err
		return w
	}
	if len(tw.Days) == 0 {
		for i := range w.days {
			w.days[i] = true
		}
		return w
	}
	for _, d := range tw.Days {
		wd, ok := ParseWeekday(d)
		if !ok {
			w.err = fmt.Errorf("invalid day %q", d)
			return w
		}
		w.days[wd] = true
	}
	return w
}

// compiledContext is the evaluable form of ContextRestrictions, built once
// per snapshot.
type compiledContext struct {
	windows      []compiledWindow
	allow        []netip.Prefix
	ipConfigured bool
	mfaRequired  bool
	warnings     []string
}

func compileContext(r ContextRestrictions) compiledContext {
	cc := compiledContext{mfaRequired: r.MFARequired, ipConfigured: len(r.IPAllowlist) > 0}
	for _, tw := range r.TimeWindows {
		w := compileWindow(tw)
		if w.err != nil {
			cc.warnings = append(cc.warnings, w.err.Error())
		}
		cc.windows = append(cc.windows, w)
	}
	for _, entry := range r.IPAllowlist {
		p, err := parseAllowEntry(entry)
		if err != nil {
			cc.warnings = append(cc.warnings, err.Error())
			continue
		}
		cc.allow = append(cc.allow, p)
	}
	return cc
}

func parseAllowEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid ip range %q: %w", entry, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid ip address %q: %w", entry, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// contextStage names the restriction category that failed.
type contextStage string

const (
	contextOK   contextStage = ""
	contextTime contextStage = "time_window"
	contextIP   contextStage = "ip_allowlist"
	contextMFA  contextStage = "mfa"
)

// evaluate checks every configured category. Time windows are a disjunction;
// categories are a conjunction.
func (cc *compiledContext) evaluate(rc *RequestContext, at time.Time) contextStage {
	if len(cc.windows) > 0 {
		inside := false
		for i := range cc.windows {
			if cc.windows[i].contains(at) {
				inside = true
				break
			}
		}
		if !inside {
			return contextTime
		}
	}
	if cc.ipConfigured && !cc.ipAllowed(rc.IP) {
		return contextIP
	}
	if cc.mfaRequired && !rc.MFAVerified {
		return contextMFA
	}
	return contextOK
}

func (cc *compiledContext) ipAllowed(ip string) bool {
	if ip == "" {
		return false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range cc.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
