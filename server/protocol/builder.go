// response header assembly into the connection's fixed header buffer
package protocol

// lookup table for status lines
// flat array instead of a map, the code set is fixed
var statusTable = [505][]byte{
	100: []byte("100 Continue"),
	200: []byte("200 OK"),
	302: []byte("302 Found"),
	400: []byte("400 Bad Request"),
	403: []byte("403 Forbidden"),
	404: []byte("404 Not Found"),
	413: []byte("413 Payload Too Large"),
	500: []byte("500 Internal Server Error"),
}

// StatusTitle returns the reason phrase without the code prefix.
func StatusTitle(code int) string {
	if code < 0 || code >= len(statusTable) || statusTable[code] == nil {
		code = 500
	}
	return string(statusTable[code][4:])
}

// canned plain-text bodies for the builtin error responses
var (
	Error400Form = "Your request has bad syntax or is inherently impossible to satisfy.\n"
	Error403Form = "You do not have permission to get file form this server.\n"
	Error404Form = "The requested file was not found on this server.\n"
	Error500Form = "There was an unusual problem serving the request file.\n"
)

// ErrorForm maps a builtin error status to its canned body.
func ErrorForm(code int) string {
	switch code {
	case 400:
		return Error400Form
	case 403:
		return Error403Form
	case 404:
		return Error404Form
	default:
		return Error500Form
	}
}

// Continue100 is sent verbatim when Expect: 100-continue arrives.
var Continue100 = []byte("HTTP/1.1 100 Continue\r\n\r\n")

var (
	proto = []byte("HTTP/1.1 ")
	crlf  = []byte("\r\n")
)

// AppendUint copies n in decimal into dst and returns the width.
// Unsigned because division by an invariant integer is cheaper and
// lengths and status codes are never negative.
func AppendUint(dst []byte, n uint64) int {
	if n == 0 {
		dst[0] = '0'
		return 1
	}
	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n%10) + '0'
		n /= 10
	}
	return copy(dst, tmp[i:])
}

// Header describes everything that goes above the blank line.
type Header struct {
	Status      int
	ContentLen  int64
	ContentType string
	Linger      bool
	Extra       string // pre-formatted "Key: Val\r\n" block, may be empty
}

// BuildHeader writes the status line and mandatory headers into dst
// and returns the byte count, or -1 when dst is too small. Layout
// mirrors the response writer: Content-Length first, extra headers,
// Content-Type, Connection, blank line.
func BuildHeader(dst []byte, h Header) int {
	code := h.Status
	if code < 100 || code >= len(statusTable) || statusTable[code] == nil {
		code = 500
	}

	ct := h.ContentType
	if ct == "" {
		ct = "text/html; charset=utf-8"
	}
	conn := "close"
	if h.Linger {
		conn = "keep-alive"
	}

	// worst-case length check before any copy
	need := len(proto) + len(statusTable[code]) + 2 +
		len("Content-Length: ") + 20 + 2 +
		len(h.Extra) +
		len("Content-Type: ") + len(ct) + 2 +
		len("Connection: ") + len(conn) + 2 + 2
	if need > len(dst) {
		return -1
	}

	n := copy(dst, proto)
	n += copy(dst[n:], statusTable[code])
	n += copy(dst[n:], crlf)

	n += copy(dst[n:], "Content-Length: ")
	n += AppendUint(dst[n:], uint64(h.ContentLen))
	n += copy(dst[n:], crlf)

	n += copy(dst[n:], h.Extra)

	n += copy(dst[n:], "Content-Type: ")
	n += copy(dst[n:], ct)
	n += copy(dst[n:], crlf)

	n += copy(dst[n:], "Connection: ")
	n += copy(dst[n:], conn)
	n += copy(dst[n:], crlf)

	n += copy(dst[n:], crlf)
	return n
}
