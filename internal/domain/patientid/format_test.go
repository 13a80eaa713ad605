package patientid

import (
	"testing"
	"time"
)

func TestComputeInitials(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"two words", "Rainbow Clinic", "RC"},
		{"truncated to three", "Happy Kids Wellness Pediatric Center", "HKW"},
		{"lower case", "little steps care", "LSC"},
		{"extra whitespace", "  Sunny\t  Side   Kids ", "SSK"},
		{"single word", "Rainbow", "R"},
		{"empty", "", ""},
		{"blank", "   ", ""},
		{"unicode", "éclair kids", "ÉK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeInitials(tt.in); got != tt.want {
				t.Errorf("ComputeInitials(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestComputeInitials_HappyKidsIsThreeChars(t *testing.T) {
	got := ComputeInitials("Happy Kids Wellness Pediatric Center")
	if len(got) != 3 {
		t.Fatalf("expected 3 characters, got %d (%q)", len(got), got)
	}
}

func TestValidInitials(t *testing.T) {
	for _, v := range []string{"RC", "HKW"} {
		if !ValidInitials(v) {
			t.Errorf("expected %q to be valid", v)
		}
	}
	for _, v := range []string{"", "R", "ABCD", "R1", "rc", "ÉK"} {
		if ValidInitials(v) {
			t.Errorf("expected %q to be invalid", v)
		}
	}
}

func TestFormatMonotonic(t *testing.T) {
	if got := FormatMonotonic("RC", 1); got != "RC00001" {
		t.Errorf("expected RC00001, got %s", got)
	}
	if got := FormatMonotonic("HKW", 99999); got != "HKW99999" {
		t.Errorf("expected HKW99999, got %s", got)
	}
	if got := FormatMonotonic("RC", 100000); got != "RC100000" {
		t.Errorf("expected overflow to grow to RC100000, got %s", got)
	}
}

func TestFormatDaily(t *testing.T) {
	date := time.Date(2024, time.December, 1, 15, 4, 5, 0, time.UTC)
	if got := FormatDaily("RC", date, 1); got != "RC20241201001" {
		t.Errorf("expected RC20241201001, got %s", got)
	}
	date = time.Date(2024, time.March, 9, 0, 0, 0, 0, time.UTC)
	if got := FormatDaily("HKW", date, 42); got != "HKW20240309042" {
		t.Errorf("expected HKW20240309042, got %s", got)
	}
}

func TestParseTrailingNumber(t *testing.T) {
	tests := []struct {
		id     string
		prefix int
		want   int
		ok     bool
	}{
		{"RC00001", 2, 1, true},
		{"RC00120", 2, 120, true},
		{"RC20240101005", 10, 5, true},
		{"RC0000a", 2, 0, false},
		{"RC", 2, 0, false},
		{"RC-0001", 2, 0, false},
		{"RC+0001", 2, 0, false},
		{"RC 0001", 2, 0, false},
		{"RC00001", 9, 0, false},
		{"RC00001", -1, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseTrailingNumber(tt.id, tt.prefix)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseTrailingNumber(%q, %d) = (%d, %v), want (%d, %v)", tt.id, tt.prefix, got, ok, tt.want, tt.ok)
		}
	}
}

func TestValidateMonotonic(t *testing.T) {
	valid := []string{"RC00001", "HKW12345"}
	for _, v := range valid {
		if !ValidateMonotonic(v) {
			t.Errorf("expected %s to be valid", v)
		}
	}
	invalid := []string{"R00001", "ABCD00001", "RC0001", "RC000001", "rc00001", "RC20241201001", ""}
	for _, v := range invalid {
		if ValidateMonotonic(v) {
			t.Errorf("expected %s to be invalid", v)
		}
	}
}

func TestValidateDaily(t *testing.T) {
	valid := []string{"RC20241201001", "HKW20240102999"}
	for _, v := range valid {
		if !ValidateDaily(v) {
			t.Errorf("expected %s to be valid", v)
		}
	}
	invalid := []string{"RC00001", "RC2024120101", "RC202412010001", "R20241201001", ""}
	for _, v := range invalid {
		if ValidateDaily(v) {
			t.Errorf("expected %s to be invalid", v)
		}
	}
}

func TestExtractInitials(t *testing.T) {
	if got, ok := ExtractInitials("RC00001"); !ok || got != "RC" {
		t.Errorf("expected RC, got %q (ok=%v)", got, ok)
	}
	if got, ok := ExtractInitials("HKW20241201001"); !ok || got != "HKW" {
		t.Errorf("expected HKW, got %q (ok=%v)", got, ok)
	}
	if _, ok := ExtractInitials("RC0001"); ok {
		t.Error("expected no initials for malformed identifier")
	}
}

func TestExtractNumber(t *testing.T) {
	if got, ok := ExtractNumber("RC00042"); !ok || got != 42 {
		t.Errorf("expected 42, got %d (ok=%v)", got, ok)
	}
	if _, ok := ExtractNumber("RC20241201001"); ok {
		t.Error("expected daily identifier to be rejected by ExtractNumber")
	}
}

func TestExtractDaily(t *testing.T) {
	date, seq, ok := ExtractDaily("RC20241201007")
	if !ok {
		t.Fatal("expected daily identifier to decode")
	}
	if seq != 7 {
		t.Errorf("expected sequence 7, got %d", seq)
	}
	if date.Format("2006-01-02") != "2024-12-01" {
		t.Errorf("expected 2024-12-01, got %s", date.Format("2006-01-02"))
	}
	if _, _, ok := ExtractDaily("RC20241341001"); ok {
		t.Error("expected impossible calendar date to be rejected")
	}
	if _, _, ok := ExtractDaily("RC00001"); ok {
		t.Error("expected monotonic identifier to be rejected")
	}
}
