package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/language"
	"golang.org/x/text/search"

	"mailscout/internal/metrics"
)

const defaultCellSelector = "td"

// extractFromTable scans an HTML document for a label cell whose trimmed text
// contains the rule's table label (case-insensitive) and returns the trimmed
// text of the paired value cell.
//
// Algorithm:
//  1. Select all elements matching the label-cell selector.
//  2. The first cell, in document order, whose text contains the label wins.
//  3. The value cell is the nearest following element of the value selector's
//     tag; if none exists, a descendant of the label cell's parent matching
//     the full value selector.
//  4. If the rule also carries a pattern, the pattern refines the cell text:
//     a match with at least one capture group returns group one, anything
//     else returns the full trimmed text unmodified.
//
// Malformed HTML is expected input, not an error: any parse failure degrades
// to an absent result and is counted as a warning-grade parse failure.
func (r *Rule) extractFromTable(htmlContent string) (string, bool) {
	if r.tableLabel == "" || htmlContent == "" {
		return "", false
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		metrics.RecordTableParseFailure(r.name)
		return "", false
	}

	labelPat := search.New(language.Und, search.IgnoreCase).CompileString(r.tableLabel)

	var label *goquery.Selection
	doc.Find(r.labelSelector).EachWithBreak(func(_ int, cell *goquery.Selection) bool {
		text := strings.TrimSpace(cell.Text())
		if text == "" {
			return true
		}
		if start, _ := labelPat.IndexString(text); start < 0 {
			return true
		}
		label = cell
		return false
	})
	if label == nil || len(label.Nodes) == 0 {
		return "", false
	}

	value, ok := r.valueCellText(label)
	if !ok {
		return "", false
	}
	return r.refine(value)
}

// valueCellText resolves the value cell paired with the given label cell and
// returns its trimmed text.
func (r *Rule) valueCellText(label *goquery.Selection) (string, bool) {
	if tag := selectorTag(r.valueSelector); tag != "" {
		if n := nextElement(label.Nodes[0], tag); n != nil {
			v := strings.TrimSpace(nodeText(n))
			if v == "" {
				return "", false
			}
			return v, true
		}
	}

	// No following element of the right tag: fall back to searching the label
	// cell's parent for a descendant matching the full value selector.
	sel := label.Parent().Find(r.valueSelector).First()
	if sel.Length() == 0 {
		return "", false
	}
	v := strings.TrimSpace(sel.Text())
	if v == "" {
		return "", false
	}
	return v, true
}

// refine applies the rule's optional pattern to a resolved table value.
func (r *Rule) refine(value string) (string, bool) {
	if r.re == nil {
		return value, true
	}
	m := r.re.FindStringSubmatch(value)
	if len(m) > 1 && m[1] != "" {
		return m[1], true
	}
	return value, true
}

// selectorTag extracts the leading tag name from a simple CSS selector
// ("td.ic-form-data" -> "td"). Returns "" when the selector does not start
// with a tag name (e.g. ".ic-form-data").
func selectorTag(sel string) string {
	for i, c := range sel {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' && i > 0 {
			continue
		}
		return sel[:i]
	}
	return sel
}

// nextElement returns the first element after n in document order whose tag
// name matches tag.
func nextElement(n *html.Node, tag string) *html.Node {
	for cur := nextNode(n); cur != nil; cur = nextNode(cur) {
		if cur.Type == html.ElementNode && cur.Data == tag {
			return cur
		}
	}
	return nil
}

// nextNode is the document-order successor: first child, else next sibling,
// else the nearest ancestor's next sibling.
func nextNode(n *html.Node) *html.Node {
	if n.FirstChild != nil {
		return n.FirstChild
	}
	for ; n != nil; n = n.Parent {
		if n.NextSibling != nil {
			return n.NextSibling
		}
	}
	return nil
}

// nodeText collects the concatenated text content of a node's subtree.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		for child := c.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}
