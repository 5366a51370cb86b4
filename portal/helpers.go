package portal

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"

	"github.com/hazyhaar/claimsync/claim"
)

// ControlCode extracts the session-scoped "controle" query parameter from
// a portal URL. The second return is false when it is absent.
func ControlCode(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	code := u.Query().Get("controle")
	return code, code != ""
}

// resolveRef resolves an iframe src (often relative) against the page URL.
func resolveRef(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse ref %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// mergeCookies returns the browser cookies plus the static ones; a static
// cookie never overrides a browser cookie of the same name.
func mergeCookies(browser []*http.Cookie, static map[string]string) []*http.Cookie {
	seen := make(map[string]bool, len(browser))
	out := make([]*http.Cookie, 0, len(browser)+len(static))
	for _, c := range browser {
		seen[c.Name] = true
		out = append(out, c)
	}
	names := make([]string, 0, len(static))
	for name := range static {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !seen[name] {
			out = append(out, &http.Cookie{Name: name, Value: static[name]})
		}
	}
	return out
}

// uploadBody builds the multipart form of an upload: the fixed fields, the
// control code, and the image under fileField.
func uploadBody(fields map[string]string, control, fileField, name string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("controle", control); err != nil {
		return nil, "", err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, name))
	h.Set("Content-Type", claim.MediaTypeFromExt(claim.ExtFromPath(name)))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
