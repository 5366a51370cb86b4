package claim

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ZeroAmount is what NormalizeAmount returns for unparseable input.
const ZeroAmount = "0,00"

// ParseAmount parses free-form money text. Currency markers and spaces are
// ignored. When both "," and "." appear, or one of them appears several
// times, the right-most separator is the decimal point and every other
// separator is a thousands mark. A lone separator is the decimal point.
func ParseAmount(s string) (decimal.Decimal, bool) {
	t := strings.ToUpper(strings.TrimSpace(s))
	t = strings.ReplaceAll(t, "R$", "")
	t = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\u00a0' {
			return -1
		}
		return r
	}, t)
	if t == "" {
		return decimal.Zero, false
	}

	if i := strings.LastIndexAny(t, ",."); i >= 0 {
		intPart := strings.NewReplacer(",", "", ".", "").Replace(t[:i])
		t = intPart + "." + t[i+1:]
	}

	d, err := decimal.NewFromString(t)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// NormalizeAmount formats free-form money text as "1.234,50": two decimal
// digits, comma decimal point, dot thousands separator. Unparseable input
// yields ZeroAmount.
func NormalizeAmount(s string) string {
	d, ok := ParseAmount(s)
	if !ok {
		return ZeroAmount
	}
	return FormatAmount(d)
}

// FormatAmount renders d in the canonical comma-decimal form.
func FormatAmount(d decimal.Decimal) string {
	fixed := d.Abs().StringFixed(2) // "1234.50"
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	if d.IsNegative() && !d.Round(2).IsZero() {
		b.WriteByte('-')
	}
	lead := len(intPart) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(intPart[:lead])
	for i := lead; i < len(intPart); i += 3 {
		b.WriteByte('.')
		b.WriteString(intPart[i : i+3])
	}
	b.WriteByte(',')
	b.WriteString(frac)
	return b.String()
}
