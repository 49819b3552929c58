package config

import (
	"errors"
	"testing"
	"time"
)

func TestDateFormat(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 14, 7, 9, 42*int(time.Millisecond), time.UTC)

	tests := []struct {
		pattern string
		want    string
	}{
		{"YYYY-MM-DD HH:mm:ss", "2024-03-05 14:07:09"},
		{"YY/M/D h:m:s A", "24/3/5 2:7:9 PM"},
		{"hh:mm a", "02:07 pm"},
		{"HH:mm:ss.SSS Z", "14:07:09.042 +00:00"},
		{"[at] HH[h]", "at 14h"},
		{"DD.MM.YYYY ZZ", "05.03.2024 +0000"},
		{"YYYY-MM-DDTHH:mm:ss", "2024-03-05T14:07:09"},
		{"YYYYMMDD-HHmm", "20240305-1407"},
		{"YYY", "24Y"},
	}

	for _, tt := range tests {
		df, err := ParseDateFormat(tt.pattern)
		if err != nil {
			t.Errorf("ParseDateFormat(%q): %v", tt.pattern, err)
			continue
		}
		if got := df.Format(ts); got != tt.want {
			t.Errorf("%q.Format = %q, want %q", tt.pattern, got, tt.want)
		}
		if df.String() != tt.pattern {
			t.Errorf("String() = %q", df.String())
		}
	}
}

func TestDateFormatMidnight(t *testing.T) {
	df, err := ParseDateFormat("h A")
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)
	if got := df.Format(ts); got != "12 AM" {
		t.Errorf("Format = %q", got)
	}
}

func TestDateFormatInvalid(t *testing.T) {
	for _, p := range []string{"[open", "HH:mm:ss [x", "YYYY-MM-DD]["} {
		if _, err := ParseDateFormat(p); !errors.Is(err, ErrInvalidDateFormat) {
			t.Errorf("ParseDateFormat(%q) err = %v", p, err)
		}
	}
}
