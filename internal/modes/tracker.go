package modes

import (
	"net/url"
	"strconv"
	"strings"
)

// carryMax bounds the held-back tail of an unterminated tracked sequence. A
// well-formed DECSET or OSC-7 fits easily; anything longer is treated as
// malformed and forwarded instead of buffered.
const carryMax = 1024

// Tracker scans PTY output for DECSET/DECRST and OSC-7 sequences. It is
// chunk-safe: a tracked sequence split across Feed calls at any byte boundary
// produces the same final state as a single call with the concatenated bytes.
type Tracker struct {
	modes  Modes
	cwd    string
	hasCwd bool
	carry  []byte
}

func NewTracker() *Tracker {
	return &Tracker{modes: Default()}
}

// Feed consumes one chunk of terminal output and returns the bytes that are
// safe to forward to the display/append path. A trailing incomplete sequence
// of a tracked family is held back until a later chunk completes it;
// sequences of no interest are never buffered.
func (t *Tracker) Feed(chunk []byte) []byte {
	full := chunk
	if len(t.carry) > 0 {
		full = make([]byte, 0, len(t.carry)+len(chunk))
		full = append(full, t.carry...)
		full = append(full, chunk...)
		t.carry = nil
	}

	pendingAt := t.scan(full)
	if pendingAt >= len(full) {
		return full
	}
	if len(full)-pendingAt > carryMax {
		// Unterminated oversized sequence: give up on it rather than
		// growing the carry buffer unboundedly.
		return full
	}
	t.carry = append([]byte(nil), full[pendingAt:]...)
	return full[:pendingAt]
}

// Modes returns the current mode record.
func (t *Tracker) Modes() Modes { return t.modes }

// Cwd returns the last OSC-7 working directory, if one was seen.
func (t *Tracker) Cwd() (string, bool) { return t.cwd, t.hasCwd }

// SetCwd overrides the tracked working directory.
func (t *Tracker) SetCwd(path string) {
	t.cwd = path
	t.hasCwd = path != ""
}

// Reset restores all modes to their defaults and drops any carried bytes.
// The working directory is kept: a reset shell is still in the same place.
func (t *Tracker) Reset() {
	t.modes = Default()
	t.carry = nil
}

// scan walks data applying every complete tracked sequence. It returns the
// start index of a trailing incomplete tracked sequence, or len(data) when
// nothing needs to be carried.
func (t *Tracker) scan(data []byte) int {
	i := 0
	for i < len(data) {
		if data[i] != 0x1b {
			i++
			continue
		}
		end, pending := t.consumeSequence(data, i)
		if pending {
			return i
		}
		if end <= i {
			// Not a tracked family; never buffered.
			i++
			continue
		}
		i = end
	}
	return len(data)
}

// consumeSequence parses a sequence starting at data[start] (an ESC byte).
// It returns the index just past a consumed tracked sequence, or start with
// pending=true when the bytes so far are a prefix of a tracked family whose
// terminator has not arrived yet.
func (t *Tracker) consumeSequence(data []byte, start int) (end int, pending bool) {
	i := start + 1
	if i >= len(data) {
		return start, true
	}
	switch data[i] {
	case '[':
		return t.consumeCSI(data, start, i+1)
	case ']':
		return t.consumeOSC(data, start, i+1)
	default:
		return start, false
	}
}

func (t *Tracker) consumeCSI(data []byte, start, i int) (int, bool) {
	if i >= len(data) {
		return start, true
	}
	if data[i] != '?' {
		return start, false
	}
	i++
	paramStart := i
	for i < len(data) {
		b := data[i]
		switch {
		case b >= '0' && b <= '9', b == ';':
			i++
		case b == 'h', b == 'l':
			t.applyParams(data[paramStart:i], b == 'h')
			return i + 1, false
		default:
			// Private CSI with a different terminator (e.g. DECDSR).
			return start, false
		}
	}
	return start, true
}

func (t *Tracker) consumeOSC(data []byte, start, i int) (int, bool) {
	if i >= len(data) {
		return start, true
	}
	if data[i] != '7' {
		return start, false
	}
	i++
	if i >= len(data) {
		return start, true
	}
	if data[i] != ';' {
		// OSC 70, 777, ... are not ours.
		return start, false
	}
	i++
	payloadStart := i
	for i < len(data) {
		switch data[i] {
		case 0x07: // BEL
			t.applyOSC7(data[payloadStart:i])
			return i + 1, false
		case 0x1b:
			if i+1 >= len(data) {
				return start, true
			}
			if data[i+1] == '\\' { // ST
				t.applyOSC7(data[payloadStart:i])
				return i + 2, false
			}
			// A bare ESC inside the payload aborts the OSC; the
			// inner sequence is picked up by the outer scan.
			return start, false
		}
		i++
	}
	return start, true
}

func (t *Tracker) applyParams(params []byte, on bool) {
	for _, part := range strings.Split(string(params), ";") {
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		t.modes.apply(id, on)
	}
}

func (t *Tracker) applyOSC7(payload []byte) {
	const scheme = "file://"
	s := string(payload)
	if !strings.HasPrefix(s, scheme) {
		return
	}
	rest := s[len(scheme):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return
	}
	path := rest[slash:]
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	t.cwd = path
	t.hasCwd = true
}
