package ledger

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/claimsync/claim"
)

// Columns locates the fields in a listing row. Positions are 1-based, as
// in the portal's td[n] XPath; 0 means "not present".
type Columns struct {
	Code   int `yaml:"code"`
	Date   int `yaml:"date"`
	Name   int `yaml:"name"`
	Amount int `yaml:"amount"`
	// RX and GTO locate each slot's attached indicator. A row has one
	// slot per document type and each is read on its own.
	RX  Indicator `yaml:"rx"`
	GTO Indicator `yaml:"gto"`
}

// Indicator is the cell that shows a slot holds a file.
type Indicator struct {
	Column int `yaml:"column"`
	// Marker is a word (case-insensitive) that must appear in the cell.
	// Empty means any non-blank cell, which only works when the slot has
	// a column of its own.
	Marker string `yaml:"marker"`
}

// DefaultColumns matches the portal's "Geração de Lote" listing: both
// slots share the Anexos column and are told apart by their label.
var DefaultColumns = Columns{
	Code:   2,
	Date:   3,
	Name:   4,
	Amount: 5,
	RX:     Indicator{Column: 6, Marker: "RX"},
	GTO:    Indicator{Column: 6, Marker: "GTO"},
}

// Indicator returns the indicator configured for dt.
func (c Columns) Indicator(dt claim.DocType) Indicator {
	switch dt {
	case claim.DocRX:
		return c.RX
	case claim.DocGTO:
		return c.GTO
	}
	return Indicator{}
}

// Validate rejects indicator layouts that cannot tell the slots apart.
func (c Columns) Validate() error {
	for i, a := range claim.DocTypes {
		ia := c.Indicator(a)
		for _, b := range claim.DocTypes[i+1:] {
			ib := c.Indicator(b)
			if ia.Column == 0 || ia.Column != ib.Column {
				continue
			}
			if ia.Marker == "" || ib.Marker == "" || strings.EqualFold(ia.Marker, ib.Marker) {
				return fmt.Errorf("ledger: %s and %s share column %d without distinct markers", a, b, ia.Column)
			}
		}
	}
	return nil
}

// ParseListing extracts the data rows of a listing table from its HTML.
// Rows without td cells (headers) are ignored; cells missing from a short
// row read as "".
func ParseListing(src string, cols Columns) ([]Row, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse listing: %w", err)
	}

	var rows []Row
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			cells := cellTexts(n)
			if len(cells) > 0 {
				rows = append(rows, rowFrom(len(rows), cells, cols))
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows, nil
}

func rowFrom(index int, cells []string, cols Columns) Row {
	cell := func(pos int) string {
		if pos <= 0 || pos > len(cells) {
			return ""
		}
		return cells[pos-1]
	}
	return Row{
		Index:       index,
		Code:        cell(cols.Code),
		SubjectName: cell(cols.Name),
		ServiceDate: cell(cols.Date),
		Amount:      cell(cols.Amount),
		Attached:    attachedSlots(cell, cols),
	}
}

func attachedSlots(cell func(int) string, cols Columns) Slots {
	var s Slots
	for _, dt := range claim.DocTypes {
		ind := cols.Indicator(dt)
		if ind.Column > 0 && attached(cell(ind.Column), ind.Marker) {
			s = s.With(dt)
		}
	}
	return s
}

func attached(text, marker string) bool {
	if cellBlank(text) {
		return false
	}
	if marker == "" {
		return true
	}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if strings.EqualFold(w, marker) {
			return true
		}
	}
	return false
}

func cellBlank(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "-":
		return true
	}
	return false
}

// cellTexts returns the normalized text of each direct td child of tr.
// An img with a title or alt counts as text, since attachment indicators
// are often icons.
func cellTexts(tr *html.Node) []string {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Td {
			var b strings.Builder
			collectText(c, &b)
			cells = append(cells, strings.Join(strings.Fields(b.String()), " "))
		}
	}
	return cells
}

func collectText(n *html.Node, b *strings.Builder) {
	switch {
	case n.Type == html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
	case n.Type == html.ElementNode && n.DataAtom == atom.Img:
		for _, a := range n.Attr {
			if a.Key == "title" || a.Key == "alt" {
				b.WriteString(a.Val)
				b.WriteByte(' ')
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}
