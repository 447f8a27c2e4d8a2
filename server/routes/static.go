// static file serving via stat + mmap
package routes

import (
	"os"
	"path/filepath"

	"github.com/kfcemployee/webserv/server/engine"
	"github.com/kfcemployee/webserv/server/logging"
	"github.com/kfcemployee/webserv/server/protocol"
)

// extension-indexed content types; anything else is a binary blob
var mimeTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".ogg":  "video/ogg",
	".pdf":  "application/pdf",
}

func mimeByExt(ext string) string {
	if ct, ok := mimeTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// serveFile maps the file at url under the site root. Missing files
// render the 404 page, non-world-readable files are forbidden and
// directories are a bad request.
func (rt *Router) serveFile(url string) engine.Response {
	path := filepath.Join(rt.root, filepath.FromSlash(url))

	fi, err := os.Stat(path)
	if err != nil {
		return rt.notFound()
	}
	if fi.Mode().Perm()&0004 == 0 {
		return engine.Response{Code: protocol.ForbiddenRequest}
	}
	if fi.IsDir() {
		return engine.Response{Code: protocol.BadRequest}
	}

	contentType := mimeByExt(lowerExt(url))

	if fi.Size() == 0 {
		// empty file still gets a placeholder body
		return engine.Response{
			Code:        protocol.FileRequest,
			Status:      200,
			ContentType: contentType,
			Body:        engine.OwnedBody("<html><body></body></html>"),
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return rt.notFound()
	}
	defer f.Close()

	body, err := engine.MapFile(int(f.Fd()), fi.Size())
	if err != nil {
		logging.Errorf("mmap %s: %v", path, err)
		return engine.Response{Code: protocol.InternalError}
	}
	return engine.Response{
		Code:        protocol.FileRequest,
		Status:      200,
		ContentType: contentType,
		Body:        body,
	}
}
