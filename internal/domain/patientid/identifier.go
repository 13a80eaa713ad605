package patientid

import (
	"fmt"
	"strings"
	"time"
)

// Policy selects how identifiers are numbered.
type Policy string

const (
	// Monotonic numbers patients with an ever-increasing per-clinic counter.
	Monotonic Policy = "monotonic"
	// Daily numbers patients with a counter that resets every calendar day.
	Daily Policy = "daily"
)

// ParsePolicy converts a configuration or column value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case Monotonic:
		return Monotonic, nil
	case Daily:
		return Daily, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Width is the number of trailing counter digits the policy produces.
func (p Policy) Width() int {
	if p == Daily {
		return DailyWidth
	}
	return MonotonicWidth
}

// Max is the largest counter value that still fits Width.
func (p Policy) Max() int {
	if p == Daily {
		return 999
	}
	return 99999
}

func (p Policy) String() string { return string(p) }

// Identifier is an allocated patient identifier together with the policy that
// produced it. Policy is carried explicitly rather than re-derived from the
// digit count.
type Identifier struct {
	Value    string    `json:"value"`
	Policy   Policy    `json:"policy"`
	Initials string    `json:"initials"`
	Number   int       `json:"number"`
	Date     time.Time `json:"date,omitempty"`
}

func (id Identifier) String() string { return id.Value }

// Prefix is everything before the counter digits.
func (id Identifier) Prefix() string {
	if id.Policy == Daily {
		return DailyPrefix(id.Initials, id.Date)
	}
	return id.Initials
}

// NewMonotonic builds a monotonic identifier.
func NewMonotonic(initials string, number int) Identifier {
	return Identifier{
		Value:    FormatMonotonic(initials, number),
		Policy:   Monotonic,
		Initials: initials,
		Number:   number,
	}
}

// NewDaily builds a daily identifier. Only the calendar date of date is kept.
func NewDaily(initials string, date time.Time, sequence int) Identifier {
	y, m, d := date.Date()
	return Identifier{
		Value:    FormatDaily(initials, date, sequence),
		Policy:   Daily,
		Initials: initials,
		Number:   sequence,
		Date:     time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	}
}

// Parse decodes a stored identifier. The policy is taken from the shape,
// which is only used for values that arrive without their policy tag.
func Parse(value string) (Identifier, error) {
	if n, ok := ExtractNumber(value); ok {
		initials, _ := ExtractInitials(value)
		return NewMonotonic(initials, n), nil
	}
	if date, seq, ok := ExtractDaily(value); ok {
		initials, _ := ExtractInitials(value)
		return NewDaily(initials, date, seq), nil
	}
	return Identifier{}, &MalformedIdentifierError{Value: value}
}

// ParseAs decodes value and checks that it matches the given policy.
func ParseAs(value string, policy Policy) (Identifier, error) {
	id, err := Parse(value)
	if err != nil {
		return Identifier{}, err
	}
	if id.Policy != policy {
		return Identifier{}, &MalformedIdentifierError{Value: value, Policy: policy}
	}
	return id, nil
}
