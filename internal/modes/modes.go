// Package modes tracks the small subset of terminal private-mode state the
// host daemon needs to hand a session over between UI clients: DECSET/DECRST
// booleans plus the OSC-7 working directory. It is a state extractor, not an
// emulator.
package modes

import "fmt"

// Modes is a fixed record of the tracked DEC private modes. One entry per
// tracked mode number; the alternate-screen variants (47/1047/1049) share a
// single flag.
type Modes struct {
	ApplicationCursorKeys bool `json:"applicationCursorKeys"`
	OriginMode            bool `json:"originMode"`
	AutoWrap              bool `json:"autoWrap"`
	MouseX10              bool `json:"mouseX10"`
	MouseNormal           bool `json:"mouseNormal"`
	MouseHighlight        bool `json:"mouseHighlight"`
	MouseButtonEvent      bool `json:"mouseButtonEvent"`
	MouseAnyEvent         bool `json:"mouseAnyEvent"`
	FocusReporting        bool `json:"focusReporting"`
	MouseUTF8             bool `json:"mouseUtf8"`
	MouseSGR              bool `json:"mouseSgr"`
	AltScreen             bool `json:"altScreen"`
	CursorVisible         bool `json:"cursorVisible"`
	BracketedPaste        bool `json:"bracketedPaste"`
}

// Default returns the documented power-on state: auto-wrap and cursor
// visibility on, everything else off.
func Default() Modes {
	return Modes{
		AutoWrap:      true,
		CursorVisible: true,
	}
}

// apply updates the flag for a DEC private mode number. Untracked numbers
// are ignored.
func (m *Modes) apply(id int, on bool) {
	switch id {
	case 1:
		m.ApplicationCursorKeys = on
	case 6:
		m.OriginMode = on
	case 7:
		m.AutoWrap = on
	case 9:
		m.MouseX10 = on
	case 25:
		m.CursorVisible = on
	case 47, 1047, 1049:
		m.AltScreen = on
	case 1000:
		m.MouseNormal = on
	case 1001:
		m.MouseHighlight = on
	case 1002:
		m.MouseButtonEvent = on
	case 1003:
		m.MouseAnyEvent = on
	case 1004:
		m.FocusReporting = on
	case 1005:
		m.MouseUTF8 = on
	case 1006:
		m.MouseSGR = on
	case 2004:
		m.BracketedPaste = on
	}
}

// rehydratable lists the tracked single-number modes in emission order.
// Alternate screen is deliberately absent: the snapshot ANSI content already
// encodes screen identity, and replaying 1049/47 would double-toggle it.
var rehydratable = []struct {
	id  int
	get func(Modes) bool
}{
	{1, func(m Modes) bool { return m.ApplicationCursorKeys }},
	{6, func(m Modes) bool { return m.OriginMode }},
	{7, func(m Modes) bool { return m.AutoWrap }},
	{9, func(m Modes) bool { return m.MouseX10 }},
	{25, func(m Modes) bool { return m.CursorVisible }},
	{1000, func(m Modes) bool { return m.MouseNormal }},
	{1001, func(m Modes) bool { return m.MouseHighlight }},
	{1002, func(m Modes) bool { return m.MouseButtonEvent }},
	{1003, func(m Modes) bool { return m.MouseAnyEvent }},
	{1004, func(m Modes) bool { return m.FocusReporting }},
	{1005, func(m Modes) bool { return m.MouseUTF8 }},
	{1006, func(m Modes) bool { return m.MouseSGR }},
	{2004, func(m Modes) bool { return m.BracketedPaste }},
}

// RehydrateSequences returns the minimal ordered DECSET/DECRST string that,
// replayed against a terminal at power-on defaults, reproduces m. Modes
// already at their default are omitted.
func (m Modes) RehydrateSequences() string {
	defaults := Default()
	out := ""
	for _, entry := range rehydratable {
		cur := entry.get(m)
		if cur == entry.get(defaults) {
			continue
		}
		terminator := "l"
		if cur {
			terminator = "h"
		}
		out += fmt.Sprintf("\x1b[?%d%s", entry.id, terminator)
	}
	return out
}
