// request dispatch: aliases, sessions and the route table
package routes

import (
	"context"
	"strings"

	"github.com/kfcemployee/webserv/server/db"
	"github.com/kfcemployee/webserv/server/engine"
	"github.com/kfcemployee/webserv/server/logging"
	"github.com/kfcemployee/webserv/server/protocol"
)

// Router owns everything the handlers share: the site root, the user
// snapshot and the peer registry. It satisfies engine.Dispatcher.
type Router struct {
	root  string
	users *UserStore
	reg   *Registry
}

func NewRouter(root string, users *UserStore, reg *Registry) *Router {
	return &Router{root: root, users: users, reg: reg}
}

// fixed alias table applied after decoding
var aliases = map[string]string{
	"/register.html":      "/pages/register.html",
	"/log.html":           "/pages/log.html",
	"/welcome.html":       "/pages/welcome.html",
	"/picture.html":       "/uploads/list",
	"/video.html":         "/uploads/list",
	"/pages/picture.html": "/uploads/list",
	"/pages/video.html":   "/uploads/list",
	"/upload.html":        "/pages/upload.html",
	"/status.html":        "/pages/status.html",
}

// single-digit shorthand routes kept from the legacy UI
var shorthand = map[byte]string{
	'0': "/pages/register.html",
	'1': "/pages/log.html",
	'5': "/uploads/list",
	'6': "/uploads/list",
	'8': "/index.html",
	'9': "/404.html",
}

// Oversize renders the 413 page for a rejected Content-Length.
func (rt *Router) Oversize() engine.Response {
	return oversizePage()
}

// Dispatch is the route decision tree, in precedence order: decode
// and validate, aliases, credential POSTs, exact routes, the uploads
// prefix, gated pages, the script extension, then the static
// fallback.
func (rt *Router) Dispatch(ctx context.Context, req *protocol.Request, dbh *db.Handle) engine.Response {
	url := urlDecode(req.URL)
	if url == "" || url[0] != '/' || strings.Contains(url, "..") {
		return engine.Response{Code: protocol.BadRequest}
	}

	if target, ok := aliases[url]; ok {
		url = target
	}
	if len(url) == 2 {
		if target, ok := shorthand[url[1]]; ok {
			url = target
		}
	}

	// session from the ws_user cookie; a stale cookie gets cleared
	var extra string
	username := cookieValue(req.Cookie, "ws_user")
	loggedIn := rt.users.Known(username)
	if !loggedIn && username != "" {
		extra += "Set-Cookie: ws_user=; Path=/; Max-Age=0\r\n"
		username = ""
	}

	// credential POSTs ride the /2 and /3 shorthands
	if req.Method == protocol.MethodPost && len(req.Body) > 0 && len(url) > 1 && (url[1] == '2' || url[1] == '3') {
		var res engine.Response
		url, username, loggedIn, extra, res = rt.handleCredentials(ctx, req, dbh, url, extra)
		if res.Code != protocol.NoRequest {
			return res
		}
	}

	switch url {
	case "/logout":
		return logoutPage("")
	case "/status.json":
		if !loggedIn {
			return redirectLogin(extra)
		}
		return rt.statusJSON()
	case "/upload":
		if !loggedIn {
			return redirectLogin(extra)
		}
		if req.Method == protocol.MethodPost {
			return rt.handleUpload(username, req.Body, req.Boundary)
		}
		url = "/pages/upload.html"
	case "/uploads/delete":
		if !loggedIn {
			return redirectLogin(extra)
		}
		if req.Method != protocol.MethodPost {
			return engine.Response{Code: protocol.BadRequest}
		}
		return rt.handleUploadDelete(username, req.Body)
	case "/uploads/list":
		if !loggedIn {
			return redirectLogin(extra)
		}
		return rt.handleUploadList(username)
	}

	// user blobs resolve only through the owner's metadata
	if strings.HasPrefix(url, "/uploads/") {
		if !loggedIn {
			return redirectLogin(extra)
		}
		stored := url[len("/uploads/"):]
		if !rt.userOwnsUpload(username, stored) {
			return rt.notFound()
		}
	}

	switch url {
	case "/pages/status.html", "/pages/upload.html":
		if !loggedIn {
			return redirectLogin(extra)
		}
	case "/pages/welcome.html":
		if !loggedIn {
			return redirectLogin(extra)
		}
		return welcomePage(username, extra)
	}

	if lowerExt(url) == ".php" {
		return rt.serveScript(url)
	}

	resp := rt.serveFile(url)
	if extra != "" && resp.Extra == "" {
		resp.Extra = extra
	}
	return resp
}

// handleCredentials covers the login (/2...) and register (/3...)
// form POSTs. It returns the rewritten URL plus session state; a
// zero-code response means "keep routing".
func (rt *Router) handleCredentials(ctx context.Context, req *protocol.Request, dbh *db.Handle,
	url, extra string) (string, string, bool, string, engine.Response) {

	payload := string(req.Body)
	name := formValue(payload, "user")
	pass := formValue(payload, "password")
	if name == "" || pass == "" {
		return url, "", false, extra, engine.Response{Code: protocol.BadRequest}
	}

	keep := engine.Response{Code: protocol.NoRequest}

	if url[1] == '3' {
		// register
		if rt.users.Known(name) {
			return "/pages/registerError.html", "", false, extra, keep
		}
		if err := rt.users.Register(ctx, dbh, name, pass); err != nil {
			logging.Errorf("register %s: %v", name, err)
			return "/pages/registerError.html", "", false, extra, keep
		}
		logging.Infof("registered user %s", name)
		return "/pages/log.html", "", false, extra, keep
	}

	// login
	if rt.users.Check(name, pass) {
		extra += "Set-Cookie: ws_user=" + name + "; Path=/\r\n"
		logging.Infof("login ok for %s", name)
		return "/pages/welcome.html", name, true, extra, keep
	}
	return "/pages/logError.html", "", false, extra, keep
}
