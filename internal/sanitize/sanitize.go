// Package sanitize strips executable content from externally supplied
// HTML before it is rendered. Markup is parsed, never executed, and any
// failure produces an empty string rather than the original input.
package sanitize

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Policy is a denylist of elements plus a predicate over attributes.
type Policy struct {
	deniedTags map[string]struct{}
	dropAttr   func(name, value string) bool
}

var defaultPolicy = NewPolicy(
	[]string{"script", "style", "iframe", "object", "embed", "link", "meta"},
	DangerousAttribute,
)

// NewPolicy builds a policy. The tag list is copied.
func NewPolicy(denied []string, dropAttr func(name, value string) bool) *Policy {
	p := &Policy{
		deniedTags: make(map[string]struct{}, len(denied)),
		dropAttr:   dropAttr,
	}
	for _, t := range denied {
		p.deniedTags[strings.ToLower(t)] = struct{}{}
	}
	return p
}

// Sanitize applies the default policy.
func Sanitize(input string) string {
	return defaultPolicy.Sanitize(input)
}

// DangerousAttribute reports event handler attributes and URL attributes
// that use the javascript: scheme.
func DangerousAttribute(name, value string) bool {
	name = strings.ToLower(name)
	if strings.HasPrefix(name, "on") {
		return true
	}
	switch name {
	case "src", "href", "xlink:href":
		return isJavaScriptURL(value)
	}
	return false
}

// isJavaScriptURL mirrors how browsers read a URL scheme: leading
// whitespace and control characters are skipped and tabs or newlines
// inside the scheme are ignored.
func isJavaScriptURL(v string) bool {
	var b strings.Builder
	for _, r := range v {
		if r <= 0x20 {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= len("javascript:") {
			break
		}
	}
	return strings.EqualFold(b.String(), "javascript:")
}

// maxPasses bounds the re-parse loop in Sanitize.
const maxPasses = 4

// Sanitize cleans input and re-parses the result until it no longer
// changes, so the output is a fixed point: sanitizing it again returns it
// unchanged. Input that does not settle within maxPasses yields "".
func (p *Policy) Sanitize(input string) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()

	cur := input
	for i := 0; i < maxPasses; i++ {
		next, ok := p.pass(cur)
		if !ok {
			return ""
		}
		if next == cur {
			return next
		}
		cur = next
	}
	return ""
}

// pass runs one parse, clean and render cycle.
func (p *Policy) pass(input string) (string, bool) {
	if input == "" {
		return "", true
	}

	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(input), body)
	if err != nil {
		return "", false
	}

	var buf bytes.Buffer
	for _, n := range nodes {
		if p.denied(n) {
			continue
		}
		p.clean(n)
		if err := html.Render(&buf, n); err != nil {
			return "", false
		}
	}
	return buf.String(), true
}

func (p *Policy) denied(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	_, ok := p.deniedTags[strings.ToLower(n.Data)]
	return ok
}

func (p *Policy) clean(n *html.Node) {
	if n.Type == html.ElementNode {
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			name := a.Key
			if a.Namespace != "" {
				name = a.Namespace + ":" + a.Key
			}
			if p.dropAttr != nil && p.dropAttr(name, a.Val) {
				continue
			}
			kept = append(kept, a)
		}
		n.Attr = kept
	}

	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if p.denied(c) {
			n.RemoveChild(c)
		} else {
			p.clean(c)
		}
		c = next
	}
}
