package pty

import (
	"bytes"
	"net/url"
)

var oscIntro = []byte("\x1b]7;")

// maxOSCPayload caps a pending sequence that never terminates.
const maxOSCPayload = 4096

// OSC7Parser extracts working-directory reports (ESC ] 7 ; file://host/path
// terminated by BEL or ESC \) from a PTY byte stream. Sequences may be split
// across chunks. The zero value is ready to use; it is not safe for
// concurrent use.
type OSC7Parser struct {
	pending []byte
}

// Feed consumes one chunk and returns the decoded paths it completed.
func (p *OSC7Parser) Feed(chunk []byte) []string {
	data := chunk
	if len(p.pending) > 0 {
		data = append(p.pending, chunk...)
		p.pending = nil
	}

	var dirs []string
	for len(data) > 0 {
		start := bytes.Index(data, oscIntro)
		if start < 0 {
			p.keepIntroPrefix(data)
			break
		}
		body := data[start+len(oscIntro):]
		end, termLen := findTerminator(body)
		if end < 0 {
			if len(body) <= maxOSCPayload {
				p.pending = append([]byte(nil), data[start:]...)
			}
			break
		}
		if dir, ok := decodeFileURL(body[:end]); ok {
			dirs = append(dirs, dir)
		}
		data = body[end+termLen:]
	}
	return dirs
}

// keepIntroPrefix holds on to a trailing partial "ESC ] 7 ;".
func (p *OSC7Parser) keepIntroPrefix(data []byte) {
	max := len(oscIntro) - 1
	if len(data) < max {
		max = len(data)
	}
	for k := max; k > 0; k-- {
		if bytes.HasPrefix(oscIntro, data[len(data)-k:]) {
			p.pending = append([]byte(nil), data[len(data)-k:]...)
			return
		}
	}
}

func findTerminator(b []byte) (int, int) {
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case 0x07:
			return i, 1
		case 0x1b:
			if i+1 < len(b) && b[i+1] == '\\' {
				return i, 2
			}
			if i+1 == len(b) {
				return -1, 0
			}
		}
	}
	return -1, 0
}

// decodeFileURL accepts file://host/path and returns the percent-decoded path.
func decodeFileURL(payload []byte) (string, bool) {
	u, err := url.Parse(string(payload))
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", false
	}
	return u.Path, true
}
