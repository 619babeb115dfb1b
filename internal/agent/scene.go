package agent

import (
	"fmt"
	"strings"
)

// Rect is a screen rectangle in device pixels.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (r Rect) CenterX() int { return (r.Left + r.Right) / 2 }
func (r Rect) CenterY() int { return (r.Top + r.Bottom) / 2 }

// Element is one addressable item on screen.
type Element struct {
	ID        int    `json:"id"`
	Bounds    Rect   `json:"bounds"`
	Label     string `json:"label"`
	Clickable bool   `json:"clickable"`
	Editable  bool   `json:"editable,omitempty"`
}

// Scene is a single perception of the screen. It is never mutated after
// capture; the post scene of one iteration becomes the pre scene of the next.
type Scene struct {
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	KeyboardOpen bool      `json:"keyboard_open"`
	Elements     []Element `json:"elements"`
}

// Element returns the element with the given id.
func (s *Scene) Element(id int) (Element, bool) {
	if s == nil {
		return Element{}, false
	}
	for _, e := range s.Elements {
		if e.ID == id {
			return e, true
		}
	}
	return Element{}, false
}

// FindLabel returns the first element whose label contains any of the
// needles, case-insensitively.
func (s *Scene) FindLabel(needles ...string) (Element, bool) {
	if s == nil {
		return Element{}, false
	}
	for _, e := range s.Elements {
		label := strings.ToLower(e.Label)
		if label == "" {
			continue
		}
		for _, n := range needles {
			if strings.Contains(label, strings.ToLower(n)) {
				return e, true
			}
		}
	}
	return Element{}, false
}

// Equal reports whether two scenes show the same elements.
func (s *Scene) Equal(o *Scene) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Width != o.Width || s.Height != o.Height || s.KeyboardOpen != o.KeyboardOpen || len(s.Elements) != len(o.Elements) {
		return false
	}
	for i := range s.Elements {
		if s.Elements[i] != o.Elements[i] {
			return false
		}
	}
	return true
}

// Render formats the scene as the element list shown to the model.
func (s *Scene) Render() string {
	if s == nil {
		return "(no screen information)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Screen %dx%d, keyboard %s\n", s.Width, s.Height, onOff(s.KeyboardOpen))
	if len(s.Elements) == 0 {
		b.WriteString("(no elements detected)\n")
		return b.String()
	}
	for _, e := range s.Elements {
		kind := "text"
		if e.Editable {
			kind = "input"
		} else if e.Clickable {
			kind = "button"
		}
		fmt.Fprintf(&b, "[%d] %s %q at (%d, %d)\n", e.ID, kind, e.Label, e.Bounds.CenterX(), e.Bounds.CenterY())
	}
	return b.String()
}

func onOff(v bool) string {
	if v {
		return "open"
	}
	return "closed"
}
