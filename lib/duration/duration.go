// Doomsday
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package duration implements the compact duration form used throughout
// doomsday configs, API queries and CLI flags: one or more <int><unit>
// groups with no separators, e.g. "30d", "6M15d", "1y".
//
// Units are s, m, h, d, w, M and y. A month is exactly 30 days and a year
// exactly 365, matching how certificate lifetimes are reasoned about.
package duration

import (
	"math"
	"strconv"
	"time"

	"github.com/gravitational/trace"
)

// Calendar units used by the compact form.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
	Year  = 365 * Day
)

var units = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': Day,
	'w': Week,
	'M': Month,
	'y': Year,
}

// Parse converts a compact duration to a time.Duration. The whole input
// must consist of <int><unit> groups. Whitespace anywhere, a dangling
// number, an unknown unit or a zero total are rejected. Repeated units are
// allowed and sum.
func Parse(s string) (time.Duration, error) {
	if s == "" {
		return 0, trace.BadParameter("empty duration")
	}
	var total time.Duration
	for i := 0; i < len(s); {
		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == start {
			return 0, trace.BadParameter("invalid duration %q: expected a digit at offset %d", s, i)
		}
		if i == len(s) {
			return 0, trace.BadParameter("invalid duration %q: missing unit after %q", s, s[start:i])
		}
		unit, ok := units[s[i]]
		if !ok {
			return 0, trace.BadParameter("invalid duration %q: unknown unit %q", s, string(s[i]))
		}
		n, err := strconv.ParseInt(s[start:i], 10, 64)
		if err != nil {
			return 0, trace.BadParameter("invalid duration %q: %v", s, err)
		}
		if n > math.MaxInt64/int64(unit) {
			return 0, trace.BadParameter("invalid duration %q: value out of range", s)
		}
		total += time.Duration(n) * unit
		i++
	}
	if total <= 0 {
		return 0, trace.BadParameter("invalid duration %q: must be positive", s)
	}
	return total, nil
}

// Format renders d in the canonical compact form: years, days, hours,
// minutes and seconds, largest first, zero groups omitted. Sub-second
// precision is truncated. Non-positive durations render as "0s", which
// Parse does not accept back.
func Format(d time.Duration) string {
	remaining := int64(d / time.Second)
	if remaining <= 0 {
		return "0s"
	}
	var out []byte
	appendGroup := func(n int64, unit byte) {
		if n > 0 {
			out = strconv.AppendInt(out, n, 10)
			out = append(out, unit)
		}
	}
	appendGroup(remaining/(365*24*3600), 'y')
	remaining %= 365 * 24 * 3600
	appendGroup(remaining/(24*3600), 'd')
	remaining %= 24 * 3600
	appendGroup(remaining/3600, 'h')
	remaining %= 3600
	appendGroup(remaining/60, 'm')
	remaining %= 60
	appendGroup(remaining, 's')
	return string(out)
}

// FormatHuman is Format for display purposes: negative durations, i.e.
// deadlines already passed, render as "expired".
func FormatHuman(d time.Duration) string {
	if d < 0 {
		return "expired"
	}
	return Format(d)
}
