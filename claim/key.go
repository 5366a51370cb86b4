package claim

import (
	"path/filepath"
	"strings"
	"time"
)

// KeySeparator joins the components of an artifact key.
const KeySeparator = " - "

// keyDateLayout is the filesystem-safe date form used inside keys.
const keyDateLayout = "02-01-2006"

const keyParts = 5

// EncodeKey renders r as its artifact key:
//
//	<name> - <accessCode> - <DD-MM-YYYY> - <amount> - <docType><ext>
//
// Components are re-sanitized and the amount re-normalized, so a key built
// from a hand-made Record is still decodable.
func EncodeKey(r Record) (string, error) {
	name := Sanitize(r.SubjectName)
	code := Sanitize(r.AccessCode)
	var missing []Field
	if name == "" {
		missing = append(missing, FieldSubjectName)
	}
	if code == "" {
		missing = append(missing, FieldAccessCode)
	}
	if r.ServiceDate.IsZero() {
		missing = append(missing, FieldServiceDate)
	}
	if len(missing) > 0 {
		return "", &EncodeError{Reason: "incomplete record", Fields: missing}
	}
	dt, err := ParseDocType(string(r.DocType))
	if err != nil {
		return "", &EncodeError{Reason: "document type not set", Cause: err}
	}

	ext := strings.ToLower(r.Ext)
	if !IsImageExt(ext) {
		ext = DefaultExt
	}

	return strings.Join([]string{
		name,
		code,
		r.ServiceDate.Format(keyDateLayout),
		NormalizeAmount(r.Amount),
		string(dt),
	}, KeySeparator) + ext, nil
}

// DecodeKey parses a key produced by EncodeKey. It does not try to make
// sense of arbitrary filenames: anything that is not exactly five components
// with a known extension is a DecodeError.
func DecodeKey(key string) (Record, error) {
	base := filepath.Base(key)
	ext := filepath.Ext(base)
	if !IsImageExt(ext) {
		return Record{}, &DecodeError{Key: base, Reason: "unknown extension"}
	}

	parts := strings.Split(strings.TrimSuffix(base, ext), KeySeparator)
	if len(parts) < keyParts {
		return Record{}, &DecodeError{Key: base, Reason: "too few components"}
	}
	if len(parts) > keyParts {
		return Record{}, &DecodeError{Key: base, Reason: "too many components"}
	}

	name, code := parts[0], parts[1]
	if name == "" || Sanitize(name) != name {
		return Record{}, &DecodeError{Key: base, Reason: "bad subject name"}
	}
	if code == "" || Sanitize(code) != code {
		return Record{}, &DecodeError{Key: base, Reason: "bad access code"}
	}

	date, err := time.Parse(keyDateLayout, parts[2])
	if err != nil {
		return Record{}, &DecodeError{Key: base, Reason: "bad date", Cause: err}
	}

	if _, ok := ParseAmount(parts[3]); !ok || NormalizeAmount(parts[3]) != parts[3] {
		return Record{}, &DecodeError{Key: base, Reason: "bad amount"}
	}

	dt, err := ParseDocType(parts[4])
	if err != nil {
		return Record{}, &DecodeError{Key: base, Reason: "bad document type", Cause: err}
	}

	return Record{
		SubjectName: name,
		AccessCode:  code,
		ServiceDate: date,
		Amount:      parts[3],
		DocType:     dt,
		Ext:         strings.ToLower(ext),
	}, nil
}
