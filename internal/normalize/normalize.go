// Package normalize turns recognized receipt lines into canonical values:
// it separates discount lines from regular ones, fills in missing sequence
// labels and parses the date formats that show up on receipts.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Kind classifies a receipt line
type Kind int

const (
	// Regular is a billed line
	Regular Kind = iota
	// Discount is a negative adjustment line
	Discount
)

func (k Kind) String() string {
	if k == Discount {
		return "discount"
	}
	return "regular"
}

// discountKeywords are matched against the upper-cased line name.
var discountKeywords = [...]string{"할인", "DC", "DISCOUNT", "쿠폰", "COUPON"}

// DiscountKeywords returns the keywords, in match order, that mark a line as
// a discount.
func DiscountKeywords() []string {
	out := make([]string, len(discountKeywords))
	copy(out, discountKeywords[:])
	return out
}

// Text returns s in NFC form. OCR output sometimes carries decomposed Hangul
// which would otherwise never match precomposed keywords.
func Text(s string) string {
	return norm.NFC.String(s)
}

// Classify decides whether a line is a discount. Negative amounts are always
// discounts; otherwise the name is checked against the keyword list.
func Classify(name string, amount int) Kind {
	if amount < 0 {
		return Discount
	}
	upper := strings.ToUpper(Text(name))
	for _, kw := range discountKeywords {
		if strings.Contains(upper, kw) {
			return Discount
		}
	}
	return Regular
}

// Magnitude is the stored discount amount for a source line amount.
func Magnitude(amount int) int {
	if amount < 0 {
		return -amount
	}
	return amount
}

// SequenceLabel formats a 1-based position as a sequence label ("001").
func SequenceLabel(pos int) string {
	return fmt.Sprintf("%03d", pos)
}

// AssignSequence fills blank labels with the 1-based position of the line in
// the slice. Supplied labels are kept as they are; a position already used by
// a supplied label moves on to the next free one. The input is not modified.
func AssignSequence(labels []string) []string {
	used := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" {
			used[l] = true
		}
	}

	out := make([]string, len(labels))
	for i, l := range labels {
		if strings.TrimSpace(l) != "" {
			out[i] = l
			continue
		}
		pos := i + 1
		for used[SequenceLabel(pos)] {
			pos++
		}
		out[i] = SequenceLabel(pos)
		used[out[i]] = true
	}
	return out
}

var purchaseDateTimePattern = regexp.MustCompile(`^(\d{2})-(\d{2})-(\d{2}) (\d{2}):(\d{2})$`)

// ParsePurchaseDateTime parses the "YY-MM-DD HH:MM" form printed on receipts.
// The year is read as 2000+YY and the result is in UTC. It reports false when
// the text does not match or names an impossible date or time.
func ParsePurchaseDateTime(raw string) (time.Time, bool) {
	m := purchaseDateTimePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return time.Time{}, false
	}
	var f [5]int
	for i := range f {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return time.Time{}, false
		}
		f[i] = n
	}
	return validDate(2000+f[0], f[1], f[2], f[3], f[4])
}

var shortDatePattern = regexp.MustCompile(`^(\d{2})-(\d{2})-(\d{2})$`)

// ParseFilterDate parses a date range bound: either an 8 character
// "YY-MM-DD" (year 2000+YY, like purchase dates) or anything starting with
// "YYYY-MM-DD". The result is midnight UTC.
func ParseFilterDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 8 {
		m := shortDatePattern.FindStringSubmatch(raw)
		if m == nil {
			return time.Time{}, false
		}
		yy, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		dd, _ := strconv.Atoi(m[3])
		return validDate(2000+yy, mm, dd, 0, 0)
	}
	if len(raw) < 10 {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", raw[:10])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// validDate rejects values time.Date would silently normalize (month 13,
// Feb 30, hour 25).
func validDate(year, month, day, hour, minute int) (time.Time, bool) {
	if month < 1 || month > 12 || hour > 23 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}
