package matcher

import "strings"

// Sanitize strips the wrapping that pattern stores and form builders tend to
// add around a regex: surrounding whitespace, matching quotes and
// /.../flags delimiters. Supported flags (i, m, s) become an inline group.
// Sanitize runs to a fixpoint, so applying it twice changes nothing.
func Sanitize(p string) string {
	for {
		next := sanitizeOnce(p)
		if next == p {
			return p
		}
		p = next
	}
}

func sanitizeOnce(p string) string {
	p = strings.TrimSpace(p)
	if len(p) < 2 {
		return p
	}

	switch q := p[0]; q {
	case '"', '\'', '`':
		if p[len(p)-1] == q {
			return p[1 : len(p)-1]
		}
	}

	if p[0] == '/' {
		end := strings.LastIndexByte(p, '/')
		if end == 0 {
			return p
		}
		flags := p[end+1:]
		if !validFlags(flags) {
			return p
		}
		body := p[1:end]
		if inline := inlineFlags(flags); inline != "" {
			body = "(?" + inline + ")" + body
		}
		return body
	}
	return p
}

// validFlags accepts the JavaScript-style flag set. Flags without a Go
// equivalent (g, u, y) are dropped.
func validFlags(flags string) bool {
	for _, c := range flags {
		if !strings.ContainsRune("gimsuy", c) {
			return false
		}
	}
	return true
}

func inlineFlags(flags string) string {
	var b strings.Builder
	for _, c := range "ims" {
		if strings.ContainsRune(flags, c) {
			b.WriteRune(c)
		}
	}
	return b.String()
}
