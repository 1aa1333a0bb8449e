package portal

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// This file pulls structured data out of the portal's server-rendered pages.
// Extraction matches on the stable parts of the markup (field names, the
// profiles table, the edit-page anchors) rather than full page structure, so
// cosmetic template changes do not break it.

// tokenField is the hidden CSRF input every authenticated form carries.
const tokenField = "_token"

// methodField is the method-spoofing input the framework uses because the
// transport only speaks GET and POST.
const methodField = "_method"

func parsePage(page string) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(n *html.Node, class string) bool {
	raw, ok := attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(raw) {
		if c == class {
			return true
		}
	}
	return false
}

// textContent flattens all text nodes under n.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Token locates the hidden CSRF input and returns its value. A page without
// one means we are either unauthenticated or looking at markup we do not
// understand; both are ErrTokenNotFound, never an empty default.
func Token(page string) (string, error) {
	doc, err := parsePage(page)
	if err != nil {
		return "", err
	}

	var token string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if token != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "input" {
			if name, _ := attr(n, "name"); name == tokenField {
				if val, ok := attr(n, "value"); ok && val != "" {
					token = val
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)

	if token == "" {
		return "", ErrTokenNotFound
	}
	return token, nil
}

// FormFields scrapes every named control on an edit page into a flat
// snapshot: inputs by value, selects by their selected option, textareas by
// text. The CSRF and method-override fields are bookkeeping, not entity
// data, and are excluded. Names we do not recognize are kept as-is so a new
// column on the portal side flows through untouched.
func FormFields(page string) (FormSnapshot, error) {
	doc, err := parsePage(page)
	if err != nil {
		return nil, err
	}

	fields := make(FormSnapshot)
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input":
				name, ok := attr(n, "name")
				if !ok || name == tokenField || name == methodField {
					break
				}
				typ, _ := attr(n, "type")
				if typ == "checkbox" || typ == "radio" {
					if _, checked := attr(n, "checked"); !checked {
						break
					}
				}
				if typ == "submit" || typ == "button" {
					break
				}
				val, _ := attr(n, "value")
				fields[name] = val
			case "select":
				if name, ok := attr(n, "name"); ok {
					fields[name] = selectedOption(n)
				}
			case "textarea":
				if name, ok := attr(n, "name"); ok {
					fields[name] = strings.TrimSpace(textContent(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)

	return fields, nil
}

// selectedOption returns the value of the option marked selected, falling
// back to its text when the option carries no value attribute. No selection
// means the field is blank.
func selectedOption(sel *html.Node) string {
	var result string
	var found bool
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if found {
			return
		}
		if n.Type == html.ElementNode && n.Data == "option" {
			if _, ok := attr(n, "selected"); ok {
				if val, has := attr(n, "value"); has {
					result = val
				} else {
					result = strings.TrimSpace(textContent(n))
				}
				found = true
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(sel)
	return result
}

// editPathRe recognizes the edit-page URLs the listing anchors point at,
// e.g. /profiles/individuals/123/edit. Absolute URLs match too.
var editPathRe = regexp.MustCompile(`/profiles/(individuals|companies)/([^/]+)/edit`)

// ListRows parses the profiles listing page into summary rows. One parse
// per call; the returned slice is independent of the page, so a search can
// rescan it freely.
func ListRows(page string) ([]Summary, error) {
	doc, err := parsePage(page)
	if err != nil {
		return nil, err
	}

	var rows []Summary
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			if row, ok := parseRow(n); ok {
				rows = append(rows, row)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)

	return rows, nil
}

// parseRow reads one <tr>. The listing layout is: running number, linked
// name, registration number, category. A row without an edit-page anchor is
// a header or filler row and is skipped.
func parseRow(tr *html.Node) (Summary, bool) {
	var cells []*html.Node
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "td" {
			cells = append(cells, c)
		}
	}
	if len(cells) < 2 {
		return Summary{}, false
	}

	var href, name string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if href != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			if h, ok := attr(n, "href"); ok {
				href = h
				name = textContent(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(tr)

	m := editPathRe.FindStringSubmatch(href)
	if m == nil {
		return Summary{}, false
	}

	row := Summary{
		ID:   m[2],
		Type: EntityType(m[1]),
		Name: name,
		URL:  href,
	}
	if len(cells) >= 3 {
		row.RegistrationNumber = textContent(cells[2])
	}
	if len(cells) >= 4 {
		row.Category = textContent(cells[3])
	}
	return row, true
}

// ValidationErrors scrapes the inline error markup a rejected submission
// comes back with. The framework renders a feedback span directly after the
// offending control, so each message is attributed to the most recently
// seen named field.
func ValidationErrors(page string) []FieldError {
	doc, err := parsePage(page)
	if err != nil {
		return nil
	}

	var out []FieldError
	lastField := ""
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input", "select", "textarea":
				if name, ok := attr(n, "name"); ok && name != tokenField && name != methodField {
					lastField = name
				}
			default:
				if hasClass(n, "invalid-feedback") || hasClass(n, "help-block") {
					if msg := textContent(n); msg != "" {
						out = append(out, FieldError{Field: lastField, Message: msg})
					}
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)

	return out
}

// IsLoginPage reports whether the body is the portal's login screen. Seeing
// it on an authenticated path means our cookies are no longer valid.
func IsLoginPage(page string) bool {
	doc, err := parsePage(page)
	if err != nil {
		return false
	}

	login := false
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if login {
			return
		}
		if n.Type == html.ElementNode && n.Data == "form" {
			if action, ok := attr(n, "action"); ok && strings.Contains(action, "/login") {
				login = true
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return login
}

// updatedFlash is the success banner the portal flashes after an update.
const updatedFlash = "Profile updated successfully"

// HasUpdateFlash reports whether the page carries the post-update success
// banner. Some portal deployments answer an update with 200 + flash instead
// of the usual redirect.
func HasUpdateFlash(page string) bool {
	return strings.Contains(page, updatedFlash)
}
