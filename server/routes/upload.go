// multipart uploads: parse, persist, list, delete
package routes

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kfcemployee/webserv/server/engine"
	"github.com/kfcemployee/webserv/server/logging"
	"github.com/kfcemployee/webserv/server/protocol"
)

// uploadItem is one line of the per-user metadata list.
type uploadItem struct {
	storedName   string
	originalName string
	size         int64
	timestamp    int64
}

func (rt *Router) uploadsDir() string { return filepath.Join(rt.root, "uploads") }
func (rt *Router) metaDir() string    { return filepath.Join(rt.uploadsDir(), ".meta") }

func (rt *Router) metaPath(user string) string {
	return filepath.Join(rt.metaDir(), user+".list")
}

// loadUserUploads reads the metadata list; a missing file means no
// uploads yet. Damaged lines are skipped.
func (rt *Router) loadUserUploads(user string) []uploadItem {
	data, err := os.ReadFile(rt.metaPath(user))
	if err != nil {
		return nil
	}
	var items []uploadItem
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 4)
		if len(fields) != 4 {
			continue
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
		if err != nil {
			continue
		}
		items = append(items, uploadItem{
			storedName:   fields[0],
			originalName: fields[1],
			size:         size,
			timestamp:    ts,
		})
	}
	return items
}

func (rt *Router) userOwnsUpload(user, stored string) bool {
	if stored == "" {
		return false
	}
	for _, item := range rt.loadUserUploads(user) {
		if item.storedName == stored {
			return true
		}
	}
	return false
}

// multipart parse errors surface as a 400 page
var (
	errNoBoundary = errors.New("multipart: boundary not found in body")
	errNoHeaders  = errors.New("multipart: part headers not terminated")
	errNoFilename = errors.New("multipart: filename missing")
	errNoClose    = errors.New("multipart: closing boundary not found")
)

// lineStart reports an occurrence of token at the start of a line.
func lineStart(body []byte, token []byte) int {
	i := bytes.Index(body, token)
	for i >= 0 {
		if i == 0 || body[i-1] == '\n' {
			return i
		}
		next := bytes.Index(body[i+1:], token)
		if next < 0 {
			return -1
		}
		i += 1 + next
	}
	return -1
}

// parseMultipart extracts the first file part. The boundary comes
// from the Content-Type header when present, otherwise it is detected
// from the preamble line. Both CRLF and bare LF boundary breaks are
// accepted.
func parseMultipart(body []byte, boundary string) (string, []byte, error) {
	b := boundary
	if b != "" && !strings.HasPrefix(b, "--") {
		b = "--" + b
	}

	start := -1
	if b != "" {
		start = lineStart(body, []byte(b))
	}
	if start < 0 {
		// detect the boundary from the first body line
		eol := bytes.IndexByte(body, '\n')
		if eol < 0 {
			return "", nil, errNoBoundary
		}
		line := body[:eol]
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			return "", nil, errNoBoundary
		}
		b = string(line)
		start = 0
	}

	after := start + len(b)
	switch {
	case after+1 < len(body) && body[after] == '\r' && body[after+1] == '\n':
		after += 2
	case after < len(body) && body[after] == '\n':
		after++
	default:
		return "", nil, errNoBoundary
	}

	rest := body[after:]
	headerLen := 4
	headerEnd := bytes.Index(rest, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		headerEnd = bytes.Index(rest, []byte("\n\n"))
		headerLen = 2
	}
	if headerEnd < 0 {
		return "", nil, errNoHeaders
	}
	headers := rest[:headerEnd]

	lower := bytes.ToLower(headers)
	namePos := bytes.Index(lower, []byte(`filename="`))
	if namePos < 0 {
		return "", nil, errNoFilename
	}
	nameStart := namePos + len(`filename="`)
	nameEnd := bytes.IndexByte(headers[nameStart:], '"')
	if nameEnd < 0 {
		return "", nil, errNoFilename
	}
	filename := string(headers[nameStart : nameStart+nameEnd])

	data := rest[headerEnd+headerLen:]
	end := -1
	for _, marker := range []string{"\r\n" + b + "--", "\n" + b + "--", "\r\n" + b, "\n" + b} {
		if end = bytes.Index(data, []byte(marker)); end >= 0 {
			break
		}
	}
	if end < 0 {
		return "", nil, errNoClose
	}
	return filename, data[:end], nil
}

// handleUpload persists one multipart file for the user and appends
// its metadata line.
func (rt *Router) handleUpload(user string, body []byte, boundary string) engine.Response {
	if len(body) == 0 {
		return uploadFailPage("The request carried no body.")
	}

	original, data, err := parseMultipart(body, boundary)
	if err != nil {
		logging.Warnf("upload parse for %s: %v", user, err)
		return uploadFailPage("The upload form data could not be parsed.")
	}
	original = sanitizeFilename(original)

	stored := fmt.Sprintf("%s_%s_%s", user, time.Now().Format("20060102150405"), original)

	if err := os.MkdirAll(rt.metaDir(), 0755); err != nil {
		logging.Errorf("upload mkdir: %v", err)
		return uploadFailPage("The upload directory could not be created.")
	}

	filePath := filepath.Join(rt.uploadsDir(), stored)
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		os.Remove(filePath)
		logging.Errorf("upload write %s: %v", filePath, err)
		return uploadFailPage("The file could not be written to disk.")
	}

	meta, err := os.OpenFile(rt.metaPath(user), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		fmt.Fprintf(meta, "%s|%s|%d|%d\n", stored, original, len(data), time.Now().Unix())
		meta.Close()
	} else {
		logging.Errorf("upload meta append: %v", err)
	}

	url := "/uploads/" + stored
	logging.Infof("upload stored %s (%d bytes) for %s", stored, len(data), user)
	return dynamicPage(200, "Upload complete",
		`<section class="panel" style="max-width: 620px; margin: 0 auto;">
<h2 style="font-size: 24px;">Upload complete</h2>
<p style="margin-top: 8px; color: var(--muted);">Saved as <code>`+htmlEscape(stored)+`</code> (`+strconv.Itoa(len(data))+` bytes).</p>
<div class="actions" style="margin-top: 16px;">
<a class="btn primary" href="`+htmlEscape(url)+`">Open file</a>
<a class="btn ghost" href="/uploads/list">My uploads</a>
</div>
</section>`, "")
}

// handleUploadList renders the gallery: images and videos inline,
// everything else as a link, each with its delete form.
func (rt *Router) handleUploadList(user string) engine.Response {
	items := rt.loadUserUploads(user)

	var b strings.Builder
	b.WriteString(`<section class="panel"><h2 style="font-size: 24px;">My uploads</h2>`)
	if len(items) == 0 {
		b.WriteString(`<p style="margin-top: 12px; color: var(--muted);">Nothing here yet, upload something first.</p>`)
	}
	b.WriteString(`<div class="grid" style="margin-top: 16px;">`)
	for _, item := range items {
		url := "/uploads/" + item.storedName
		ext := lowerExt(item.storedName)
		b.WriteString(`<div class="card">`)
		switch {
		case isImageExt(ext):
			b.WriteString(`<img src="` + htmlEscape(url) + `" alt="` + htmlEscape(item.originalName) + `" style="width:100%; border-radius: 18px; margin-bottom: 12px;">`)
		case isVideoExt(ext):
			b.WriteString(`<video src="` + htmlEscape(url) + `" controls preload="metadata" style="width:100%; border-radius: 18px; margin-bottom: 12px;"></video>`)
		default:
			b.WriteString(`<a href="` + htmlEscape(url) + `">` + htmlEscape(item.originalName) + `</a>`)
		}
		b.WriteString(`<h3>` + htmlEscape(item.originalName) + `</h3>`)
		b.WriteString(`<p style="color: var(--muted);">` + strconv.FormatInt(item.size, 10) + ` bytes, ` +
			time.Unix(item.timestamp, 0).Format("2006-01-02 15:04") + `</p>`)
		b.WriteString(`<form action="/uploads/delete" method="post" style="margin-top: 10px;">` +
			`<input type="hidden" name="file" value="` + htmlEscape(item.storedName) + `">` +
			`<button class="btn ghost" type="submit">Delete</button></form>`)
		b.WriteString(`</div>`)
	}
	b.WriteString(`</div><div class="actions" style="margin-top: 16px;"><a class="btn primary" href="/pages/upload.html">Upload more</a></div></section>`)

	return dynamicPage(200, "My uploads", b.String(), "")
}

// handleUploadDelete removes the blob and rewrites the metadata list
// through a temp file and an atomic rename.
func (rt *Router) handleUploadDelete(user string, body []byte) engine.Response {
	payload := string(body)
	stored := formValue(payload, "file")
	if stored == "" {
		stored = formValue(payload, "stored")
	}
	if stored == "" {
		return engine.Response{Code: protocol.BadRequest}
	}
	if strings.Contains(stored, "..") || strings.ContainsAny(stored, `/\`) {
		return engine.Response{Code: protocol.BadRequest}
	}
	if !rt.userOwnsUpload(user, stored) {
		return rt.notFound()
	}

	os.Remove(filepath.Join(rt.uploadsDir(), stored))

	metaPath := rt.metaPath(user)
	items := rt.loadUserUploads(user)
	tmpPath := metaPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		logging.Errorf("delete meta rewrite: %v", err)
		return engine.Response{Code: protocol.InternalError}
	}
	for _, item := range items {
		if item.storedName == stored {
			continue
		}
		fmt.Fprintf(tmp, "%s|%s|%d|%d\n", item.storedName, item.originalName, item.size, item.timestamp)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, metaPath); err != nil {
		logging.Errorf("delete meta rename: %v", err)
		return engine.Response{Code: protocol.InternalError}
	}

	logging.Infof("deleted upload %s for %s", stored, user)
	return dynamicPage(200, "Deleted",
		`<section class="panel" style="max-width: 620px; margin: 0 auto;">
<h2 style="font-size: 24px;">File deleted</h2>
<p style="margin-top: 8px; color: var(--muted);">The file and its listing entry are gone.</p>
<div class="actions" style="margin-top: 16px;">
<a class="btn primary" href="/uploads/list">Back to my uploads</a>
</div>
</section>`, "")
}
