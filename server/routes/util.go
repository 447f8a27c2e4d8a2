// small text helpers shared by the handlers
package routes

import "strings"

func hexValue(ch byte) int {
	switch {
	case ch >= '0' && ch <= '9':
		return int(ch - '0')
	case ch >= 'a' && ch <= 'f':
		return 10 + int(ch-'a')
	case ch >= 'A' && ch <= 'F':
		return 10 + int(ch-'A')
	}
	return -1
}

// urlDecode resolves %xx escapes and '+' as space in a single pass.
// Malformed escapes pass through untouched. The output is not decoded
// again, so decoding is not idempotent for every input: an escaped
// '%' or '+' (such as "%2541" or "%2B") yields text that a second
// call would change.
func urlDecode(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		switch {
		case value[i] == '+':
			b.WriteByte(' ')
		case value[i] == '%' && i+2 < len(value):
			hi, lo := hexValue(value[i+1]), hexValue(value[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
			b.WriteByte(value[i])
		default:
			b.WriteByte(value[i])
		}
	}
	return b.String()
}

// formValue pulls key= out of an urlencoded body and decodes it.
func formValue(body, key string) string {
	pattern := key + "="
	pos := strings.Index(body, pattern)
	if pos < 0 {
		return ""
	}
	start := pos + len(pattern)
	raw := body[start:]
	if end := strings.IndexByte(raw, '&'); end >= 0 {
		raw = raw[:end]
	}
	return urlDecode(raw)
}

// htmlEscape covers the four characters that break out of text nodes
// and attribute values.
func htmlEscape(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		default:
			b.WriteByte(value[i])
		}
	}
	return b.String()
}

// sanitizeFilename neuters path separators and control characters,
// strips leading dots and falls back to a stock name.
func sanitizeFilename(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		ch := value[i]
		switch {
		case ch == '/' || ch == '\\' || ch == ':' || ch == '|' || ch == '<' || ch == '>' || ch == '"':
			b.WriteByte('_')
		case ch < 0x20 || ch == 0x7f:
			b.WriteByte('_')
		default:
			b.WriteByte(ch)
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		name = "upload.bin"
	}
	return name
}

// cookieValue finds key in a Cookie header value.
func cookieValue(cookie, key string) string {
	for len(cookie) > 0 {
		pair := cookie
		if end := strings.IndexByte(cookie, ';'); end >= 0 {
			pair = cookie[:end]
			cookie = cookie[end+1:]
		} else {
			cookie = ""
		}
		pair = strings.TrimSpace(pair)
		if eq := strings.IndexByte(pair, '='); eq >= 0 {
			if strings.TrimSpace(pair[:eq]) == key {
				return pair[eq+1:]
			}
		}
	}
	return ""
}

func lowerExt(path string) string {
	if dot := strings.LastIndexByte(path, '.'); dot >= 0 {
		return strings.ToLower(path[dot:])
	}
	return ""
}

func isImageExt(ext string) bool {
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg":
		return true
	}
	return false
}

func isVideoExt(ext string) bool {
	switch ext {
	case ".mp4", ".webm", ".ogg":
		return true
	}
	return false
}
