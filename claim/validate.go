package claim

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Field names a Fields member in problems and edits.
type Field string

const (
	FieldSubjectName Field = "name"
	FieldAccessCode  Field = "access_code"
	FieldServiceDate Field = "date"
	FieldAmount      Field = "amount"
)

// MinNameLen is the shortest acceptable sanitized subject name, in runes.
const MinNameLen = 3

// Problem is a soft validation finding the operator may override.
type Problem struct {
	Field   Field
	Message string
}

func (p Problem) String() string { return string(p.Field) + ": " + p.Message }

var datePattern = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)

// Validate checks every field independently and returns all problems in
// field order. ok is true iff problems is empty.
func Validate(f Fields) (ok bool, problems []Problem) {
	if f.SubjectName == nil {
		problems = append(problems, Problem{FieldSubjectName, "nome ausente"})
	} else if utf8.RuneCountInString(Sanitize(*f.SubjectName)) < MinNameLen {
		problems = append(problems, Problem{FieldSubjectName, "nome muito curto"})
	}

	if f.AccessCode == nil || strings.TrimSpace(*f.AccessCode) == "" {
		problems = append(problems, Problem{FieldAccessCode, "código de acesso ausente"})
	}

	if f.ServiceDate == nil {
		problems = append(problems, Problem{FieldServiceDate, "data ausente"})
	} else if _, err := ParseServiceDate(*f.ServiceDate); err != nil {
		problems = append(problems, Problem{FieldServiceDate, "data inválida, esperado DD/MM/AAAA"})
	}

	if f.Amount == nil || strings.TrimSpace(*f.Amount) == "" {
		problems = append(problems, Problem{FieldAmount, "valor ausente"})
	}

	return len(problems) == 0, problems
}

// ParseServiceDate accepts DD/MM/YYYY and rejects impossible calendar dates.
func ParseServiceDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if !datePattern.MatchString(s) {
		return time.Time{}, &DateError{Input: s}
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, &DateError{Input: s, Cause: err}
	}
	return t, nil
}

// Build turns extracted fields into a Record. It enforces the record
// invariants only (non-empty sanitized name and code, a real date); soft
// problems such as a short name are the validator's business. The amount is
// normalized, so an unparseable amount becomes ZeroAmount.
func Build(f Fields, dt DocType, ext string) (Record, error) {
	var missing []Field

	name := Sanitize(Value(f.SubjectName))
	if name == "" {
		missing = append(missing, FieldSubjectName)
	}
	code := Sanitize(Value(f.AccessCode))
	if code == "" {
		missing = append(missing, FieldAccessCode)
	}
	date, err := ParseServiceDate(Value(f.ServiceDate))
	if err != nil {
		missing = append(missing, FieldServiceDate)
	}
	dt, err = ParseDocType(string(dt))
	if err != nil {
		return Record{}, &EncodeError{Reason: "document type not set", Cause: err}
	}
	if len(missing) > 0 {
		return Record{}, &EncodeError{Reason: "invalid fields", Fields: missing}
	}
	if ext == "" {
		ext = DefaultExt
	}

	return Record{
		SubjectName: name,
		AccessCode:  code,
		ServiceDate: date,
		Amount:      NormalizeAmount(Value(f.Amount)),
		DocType:     dt,
		Ext:         strings.ToLower(ext),
	}, nil
}
