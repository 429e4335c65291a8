package session

// Terminal query responses (CPR, DA, DSR, OSC color reports) are
// indistinguishable from ordinary output at this layer. When a UI client is
// attached, its own emulator answers queries; when nothing is attached, a
// response-shaped chunk must be looped back into the PTY input or a TUI left
// running headless can hang waiting for a reply.

// looksLikeQueryResponse reports whether a PTY output chunk has the shape of
// a terminal query response.
func looksLikeQueryResponse(data []byte) bool {
	return looksLikeCPR(data) || looksLikeDA(data) || looksLikeDSR(data) || looksLikeOSCColorReport(data)
}

// looksLikeCPR checks for ESC[{row};{col}R (cursor position report).
func looksLikeCPR(data []byte) bool {
	if len(data) < 6 {
		return false
	}
	if data[0] != 0x1b || data[1] != '[' {
		return false
	}
	if data[len(data)-1] != 'R' {
		return false
	}
	for _, b := range data {
		if b == ';' {
			return true
		}
	}
	return false
}

// looksLikeDA checks for ESC[?{params}c (device attributes).
func looksLikeDA(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return data[0] == 0x1b && data[1] == '[' && data[2] == '?' && data[len(data)-1] == 'c'
}

// looksLikeDSR checks for ESC[{n}n (device status report, e.g. ESC[0n).
func looksLikeDSR(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] != 0x1b || data[1] != '[' || data[len(data)-1] != 'n' {
		return false
	}
	for _, b := range data[2 : len(data)-1] {
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}

// looksLikeOSCColorReport checks for OSC 10/11 color query replies,
// ESC]1{0|1};rgb:... terminated by BEL or ST.
func looksLikeOSCColorReport(data []byte) bool {
	if len(data) < 6 {
		return false
	}
	if data[0] != 0x1b || data[1] != ']' || data[2] != '1' {
		return false
	}
	if data[3] != '0' && data[3] != '1' {
		return false
	}
	if data[4] != ';' {
		return false
	}
	last := data[len(data)-1]
	if last == 0x07 {
		return true
	}
	return len(data) >= 7 && data[len(data)-2] == 0x1b && last == '\\'
}
