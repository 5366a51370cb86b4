// Package claim holds the record model shared by the capture and
// reconciliation halves of claimsync: raw extracted fields, the validated
// record, the document type, and the codec that turns a record into the
// mailbox filename (the artifact key) and back.
//
// Everything in this package is pure: no I/O, no clock, no globals.
package claim

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Fields is the raw output of field extraction. Any field may be nil.
type Fields struct {
	SubjectName *string `json:"name"`
	AccessCode  *string `json:"access_code"`
	ServiceDate *string `json:"date"`   // expected DD/MM/YYYY
	Amount      *string `json:"amount"` // free-form numeric text
}

// Str returns a pointer to s. Handy when building Fields by hand.
func Str(s string) *string { return &s }

// Value returns the field's text, or "" when the field is nil.
func Value(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// DocType is the attachment slot the operator chose for a document.
type DocType string

const (
	DocRX  DocType = "RX"  // radiograph slot
	DocGTO DocType = "GTO" // treatment guide slot
)

// DocTypes lists every known document type in prompt order.
var DocTypes = []DocType{DocRX, DocGTO}

// ParseDocType accepts a document-type token case-insensitively.
func ParseDocType(s string) (DocType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(DocRX):
		return DocRX, nil
	case string(DocGTO):
		return DocGTO, nil
	}
	return "", fmt.Errorf("claim: unknown document type %q", s)
}

// DocTypeFromCaption looks for a whole-word document-type token in a free
// text caption. The second return is false when no token is present or when
// the caption names both types.
func DocTypeFromCaption(caption string) (DocType, bool) {
	var found DocType
	for _, word := range strings.FieldsFunc(caption, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	}) {
		dt, err := ParseDocType(word)
		if err != nil {
			continue
		}
		if found != "" && found != dt {
			return "", false
		}
		found = dt
	}
	return found, found != ""
}

// Record is a validated claim ready to be persisted under its key.
// SubjectName and AccessCode are sanitized; Amount is in canonical
// comma-decimal form ("1.234,50"); Ext is the image extension with its dot.
type Record struct {
	SubjectName string
	AccessCode  string
	ServiceDate time.Time
	Amount      string
	DocType     DocType
	Ext         string
}

// DisplayName returns the subject name with the whitespace separator turned
// back into spaces.
func (r Record) DisplayName() string {
	return strings.ReplaceAll(r.SubjectName, "_", " ")
}

// DisplayDate returns the service date as DD/MM/YYYY.
func (r Record) DisplayDate() string {
	return r.ServiceDate.Format(DateLayout)
}

// DateLayout is the extracted and displayed service date format.
const DateLayout = "02/01/2006"

// ImageExts are the artifact extensions the mailbox accepts.
var ImageExts = []string{".jpg", ".jpeg", ".png", ".webp"}

// DefaultExt is used when the image extension cannot be determined.
const DefaultExt = ".jpg"

// IsImageExt reports whether ext (with dot, any case) is a known image extension.
func IsImageExt(ext string) bool {
	ext = strings.ToLower(ext)
	for _, e := range ImageExts {
		if e == ext {
			return true
		}
	}
	return false
}

// ExtFromPath derives the artifact extension from a transport file path,
// falling back to DefaultExt.
func ExtFromPath(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if IsImageExt(ext) {
		return ext
	}
	return DefaultExt
}

// ExtFromMediaType maps an image media type to an extension.
func ExtFromMediaType(mediaType string) string {
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	}
	return DefaultExt
}

// MediaTypeFromExt is the inverse of ExtFromMediaType.
func MediaTypeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	}
	return "image/jpeg"
}
