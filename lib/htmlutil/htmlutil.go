package htmlutil

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

// Parse never fails on malformed markup (x/net/html is lenient), it only
// fails when the reader itself fails.
func Parse(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

type Field struct {
	Name  string
	Value string
}

// HiddenInputs returns every named hidden input under sel in document order.
// Duplicate names are kept, the portal sometimes renders the same token twice
// and the form post echoes whatever the browser would.
func HiddenInputs(sel *goquery.Selection) []Field {
	var fields []Field
	sel.Find("input").Each(func(_ int, s *goquery.Selection) {
		if !strings.EqualFold(s.AttrOr("type", ""), "hidden") {
			return
		}
		name := s.AttrOr("name", "")
		if name == "" {
			return
		}
		fields = append(fields, Field{
			Name:  name,
			Value: s.AttrOr("value", ""),
		})
	})
	return fields
}

// ScriptBodies returns the text of every inline <script> (scripts with a src
// attribute have no body worth scanning).
func ScriptBodies(doc *goquery.Document) []string {
	var bodies []string
	for _, node := range doc.Find("script").Nodes {
		text := GetText(node)
		if strings.TrimSpace(text) == "" {
			continue
		}
		bodies = append(bodies, text)
	}
	return bodies
}

func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
