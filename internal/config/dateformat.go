package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidDateFormat = errors.New("invalid log date format")

var dateTokens = map[string]struct{}{
	"YYYY": {}, "YY": {},
	"MM": {}, "M": {},
	"DD": {}, "D": {},
	"HH": {}, "H": {},
	"hh": {}, "h": {},
	"mm": {}, "m": {},
	"ss": {}, "s": {},
	"SSS": {},
	"A":   {}, "a": {},
	"Z": {}, "ZZ": {},
}

type datePart struct {
	literal string
	token   string
}

// DateFormat renders timestamps from a moment-style pattern such as
// "YYYY-MM-DD HH:mm:ss". Text inside [brackets] and letters that are not
// tokens are copied verbatim.
type DateFormat struct {
	pattern string
	parts   []datePart
}

func ParseDateFormat(pattern string) (DateFormat, error) {
	df := DateFormat{pattern: pattern}
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			df.parts = append(df.parts, datePart{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch {
		case c == '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				return DateFormat{}, fmt.Errorf("%w: unclosed [ in %q", ErrInvalidDateFormat, pattern)
			}
			lit.WriteString(pattern[i+1 : i+1+end])
			i += end + 2
		case isASCIILetter(c):
			tok := longestToken(pattern[i:])
			if tok == "" {
				// Letters outside the token table are printed as is.
				lit.WriteByte(c)
				i++
				continue
			}
			flush()
			df.parts = append(df.parts, datePart{token: tok})
			i += len(tok)
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()

	return df, nil
}

func (f DateFormat) String() string {
	return f.pattern
}

func (f DateFormat) Format(t time.Time) string {
	var b strings.Builder
	for _, p := range f.parts {
		if p.token == "" {
			b.WriteString(p.literal)
			continue
		}
		b.WriteString(formatToken(p.token, t))
	}
	return b.String()
}

func formatToken(tok string, t time.Time) string {
	switch tok {
	case "YYYY":
		return fmt.Sprintf("%04d", t.Year())
	case "YY":
		return fmt.Sprintf("%02d", t.Year()%100)
	case "MM":
		return fmt.Sprintf("%02d", int(t.Month()))
	case "M":
		return strconv.Itoa(int(t.Month()))
	case "DD":
		return fmt.Sprintf("%02d", t.Day())
	case "D":
		return strconv.Itoa(t.Day())
	case "HH":
		return fmt.Sprintf("%02d", t.Hour())
	case "H":
		return strconv.Itoa(t.Hour())
	case "hh":
		return fmt.Sprintf("%02d", hour12(t))
	case "h":
		return strconv.Itoa(hour12(t))
	case "mm":
		return fmt.Sprintf("%02d", t.Minute())
	case "m":
		return strconv.Itoa(t.Minute())
	case "ss":
		return fmt.Sprintf("%02d", t.Second())
	case "s":
		return strconv.Itoa(t.Second())
	case "SSS":
		return fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond))
	case "A":
		if t.Hour() < 12 {
			return "AM"
		}
		return "PM"
	case "a":
		if t.Hour() < 12 {
			return "am"
		}
		return "pm"
	case "Z":
		return t.Format("-07:00")
	case "ZZ":
		return t.Format("-0700")
	}
	return tok
}

func hour12(t time.Time) int {
	h := t.Hour() % 12
	if h == 0 {
		return 12
	}
	return h
}

// longestToken returns the longest token that prefixes s and is made of
// repeats of its first letter.
func longestToken(s string) string {
	n := 0
	for n < len(s) && s[n] == s[0] {
		n++
	}
	for ; n > 0; n-- {
		if _, ok := dateTokens[s[:n]]; ok {
			return s[:n]
		}
	}
	return ""
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
