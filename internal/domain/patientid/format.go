package patientid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	// MonotonicWidth is the zero-padded width of the per-clinic counter.
	MonotonicWidth = 5
	// DailyWidth is the zero-padded width of the per-day sequence.
	DailyWidth = 3
	// MaxInitials is the maximum number of initials taken from a clinic name.
	MaxInitials = 3

	dateLayout = "20060102"
)

var (
	monotonicPattern = regexp.MustCompile(`^[A-Z]{2,3}\d{5}$`)
	dailyPattern     = regexp.MustCompile(`^[A-Z]{2,3}\d{8}\d{3}$`)
	initialsPattern  = regexp.MustCompile(`^[A-Z]{2,3}$`)
)

// ComputeInitials takes the first letter of each whitespace-separated word of
// the clinic name, upper-cased, truncated to MaxInitials. An empty or blank
// name yields an empty string.
func ComputeInitials(clinicName string) string {
	var b strings.Builder
	n := 0
	for _, word := range strings.Fields(clinicName) {
		if n == MaxInitials {
			break
		}
		r, _ := utf8.DecodeRuneInString(word)
		b.WriteRune(unicode.ToUpper(r))
		n++
	}
	return b.String()
}

// ValidInitials reports whether initials can prefix a well-formed identifier.
func ValidInitials(initials string) bool {
	return initialsPattern.MatchString(initials)
}

// FormatMonotonic zero-pads number to MonotonicWidth digits after the
// initials. Numbers above 99999 are not truncated.
func FormatMonotonic(initials string, number int) string {
	return fmt.Sprintf("%s%0*d", initials, MonotonicWidth, number)
}

// FormatDaily renders initials + YYYYMMDD + sequence zero-padded to DailyWidth.
func FormatDaily(initials string, date time.Time, sequence int) string {
	return fmt.Sprintf("%s%s%0*d", initials, date.Format(dateLayout), DailyWidth, sequence)
}

// DailyPrefix returns initials followed by the date as YYYYMMDD.
func DailyPrefix(initials string, date time.Time) string {
	return initials + date.Format(dateLayout)
}

// ParseTrailingNumber parses everything after the first prefixLength bytes of
// identifier as a base-10 number. It reports false when the remainder is
// empty or contains anything but ASCII digits.
func ParseTrailingNumber(identifier string, prefixLength int) (int, bool) {
	if prefixLength < 0 || prefixLength >= len(identifier) {
		return 0, false
	}
	rest := identifier[prefixLength:]
	if !allDigits(rest) {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ValidateMonotonic reports whether identifier has the monotonic shape.
func ValidateMonotonic(identifier string) bool {
	return monotonicPattern.MatchString(identifier)
}

// ValidateDaily reports whether identifier has the daily shape.
func ValidateDaily(identifier string) bool {
	return dailyPattern.MatchString(identifier)
}

// ExtractInitials strips the trailing digit run of a well-formed identifier.
func ExtractInitials(identifier string) (string, bool) {
	if !ValidateMonotonic(identifier) && !ValidateDaily(identifier) {
		return "", false
	}
	return strings.TrimRightFunc(identifier, isDigit), true
}

// ExtractNumber returns the counter of a monotonic identifier.
func ExtractNumber(identifier string) (int, bool) {
	if !ValidateMonotonic(identifier) {
		return 0, false
	}
	return ParseTrailingNumber(identifier, len(identifier)-MonotonicWidth)
}

// ExtractDaily returns the embedded date and sequence of a daily identifier.
// Identifiers whose date part is not a real calendar date are rejected.
func ExtractDaily(identifier string) (time.Time, int, bool) {
	if !ValidateDaily(identifier) {
		return time.Time{}, 0, false
	}
	seqStart := len(identifier) - DailyWidth
	dateStart := seqStart - len(dateLayout)
	date, err := time.Parse(dateLayout, identifier[dateStart:seqStart])
	if err != nil {
		return time.Time{}, 0, false
	}
	seq, ok := ParseTrailingNumber(identifier, seqStart)
	if !ok {
		return time.Time{}, 0, false
	}
	return date, seq, true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
