package device

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rahul/droidpilot/internal/agent"
)

var (
	boundsPattern = regexp.MustCompile(`^\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]$`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// Sanitize cleans a uiautomator dump so encoding/xml accepts it: anything
// outside the hierarchy element is dropped, control characters are removed
// and runs of whitespace (including newlines inside attributes) collapse to
// one space.
func Sanitize(raw []byte) []byte {
	start := bytes.Index(raw, []byte("<?xml"))
	if start < 0 {
		start = bytes.Index(raw, []byte("<hierarchy"))
	}
	if start > 0 {
		raw = raw[start:]
	}
	if end := bytes.LastIndex(raw, []byte("</hierarchy>")); end >= 0 {
		raw = raw[:end+len("</hierarchy>")]
	}

	clean := bytes.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return ' '
		case r < 0x20 || r == 0xFFFE || r == 0xFFFF:
			return -1
		}
		return r
	}, raw)
	return bytes.TrimSpace(whitespace.ReplaceAll(clean, []byte(" ")))
}

type uiNode struct {
	Text        string   `xml:"text,attr"`
	ResourceID  string   `xml:"resource-id,attr"`
	Class       string   `xml:"class,attr"`
	ContentDesc string   `xml:"content-desc,attr"`
	Clickable   string   `xml:"clickable,attr"`
	Enabled     string   `xml:"enabled,attr"`
	Scrollable  string   `xml:"scrollable,attr"`
	Bounds      string   `xml:"bounds,attr"`
	Nodes       []uiNode `xml:"node"`
}

type uiHierarchy struct {
	Nodes []uiNode `xml:"node"`
}

// ParseScene turns a sanitized uiautomator dump into a Scene. Elements are
// numbered from 1 in document order; only nodes a user could act on or read
// are kept.
func ParseScene(data []byte) (*agent.Scene, error) {
	var h uiHierarchy
	if err := xml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse ui dump: %w", err)
	}
	if len(h.Nodes) == 0 {
		return nil, fmt.Errorf("parse ui dump: empty hierarchy")
	}

	scene := &agent.Scene{}
	var walk func(n uiNode)
	walk = func(n uiNode) {
		r, ok := parseBounds(n.Bounds)
		if ok {
			if r.Right > scene.Width {
				scene.Width = r.Right
			}
			if r.Bottom > scene.Height {
				scene.Height = r.Bottom
			}
		}
		editable := strings.Contains(n.Class, "EditText")
		clickable := n.Clickable == "true"
		label := nodeLabel(n)
		if ok && r.Right > r.Left && r.Bottom > r.Top && n.Enabled != "false" && (clickable || editable || label != "") {
			scene.Elements = append(scene.Elements, agent.Element{
				ID:        len(scene.Elements) + 1,
				Bounds:    r,
				Label:     label,
				Clickable: clickable,
				Editable:  editable,
			})
		}
		for _, c := range n.Nodes {
			walk(c)
		}
	}
	for _, n := range h.Nodes {
		walk(n)
	}
	return scene, nil
}

func nodeLabel(n uiNode) string {
	switch {
	case strings.TrimSpace(n.Text) != "":
		return strings.TrimSpace(n.Text)
	case strings.TrimSpace(n.ContentDesc) != "":
		return strings.TrimSpace(n.ContentDesc)
	case n.ResourceID != "":
		if i := strings.LastIndex(n.ResourceID, "/"); i >= 0 {
			return n.ResourceID[i+1:]
		}
		return n.ResourceID
	}
	return ""
}

func parseBounds(s string) (agent.Rect, bool) {
	m := boundsPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return agent.Rect{}, false
	}
	var v [4]int
	for i := range v {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return agent.Rect{}, false
		}
		v[i] = n
	}
	return agent.Rect{Left: v[0], Top: v[1], Right: v[2], Bottom: v[3]}, true
}
