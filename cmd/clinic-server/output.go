package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/pediclinic/clinic/internal/domain/clinic"
	"github.com/pediclinic/clinic/internal/domain/patientid"
	"github.com/pediclinic/clinic/internal/platform/db"
)

// color honours NO_COLOR and disables itself when stdout is not a terminal.
var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

func printSuccess(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ %s", fmt.Sprintf(format, a...))
}

func printError(w io.Writer, err error) {
	red.Fprintf(w, "✗ %v\n", err)
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	cyan.Fprintf(w, "%-8s %-32s %-8s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		if !s.Applied {
			yellow.Fprintf(w, "%-8d %-32s %-8s\n", s.Version, s.Name, "pending")
			continue
		}
		appliedAt := ""
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.Format(time.DateTime)
		}
		fmt.Fprintf(w, "%-8d %-32s %-8s %s\n", s.Version, s.Name, "applied", appliedAt)
	}
}

func printClinics(w io.Writer, clinics []*clinic.Clinic, total int) {
	cyan.Fprintf(w, "%-24s %-8s %-36s %s\n", "SUBDOMAIN", "INITIALS", "ID", "NAME")
	for _, c := range clinics {
		line := fmt.Sprintf("%-24s %-8s %-36s %s\n", c.Subdomain, c.Identity().Initials(), c.ID, c.Name)
		if !c.Active {
			yellow.Fprint(w, line)
			continue
		}
		fmt.Fprint(w, line)
	}
	fmt.Fprintf(w, "%d of %d clinic(s)\n", len(clinics), total)
}

// validateIdentifiers prints one line per value and fails when any value
// matches neither format.
func validateIdentifiers(w io.Writer, values []string) error {
	invalid := 0
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		id, err := patientid.Parse(value)
		if err != nil {
			invalid++
			red.Fprintf(w, "✗ %s  invalid\n", value)
			continue
		}
		detail := fmt.Sprintf("initials=%s number=%d", id.Initials, id.Number)
		if id.Policy == patientid.Daily {
			detail += " date=" + id.Date.Format(time.DateOnly)
		}
		green.Fprintf(w, "✓ %s  %s  %s\n", id.Value, id.Policy, detail)
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d identifier(s) invalid", invalid, len(values))
	}
	return nil
}
