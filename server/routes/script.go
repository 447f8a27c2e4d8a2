// external interpreter pages
package routes

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kfcemployee/webserv/server/engine"
	"github.com/kfcemployee/webserv/server/logging"
	"github.com/kfcemployee/webserv/server/protocol"
)

const scriptFallback = `<!DOCTYPE html><html lang="en"><head><meta charset="UTF-8"><title>PHP Error</title></head>` +
	`<body><h2>PHP not available</h2>` +
	`<p>The PHP interpreter could not be invoked, make sure it is installed and on PATH.</p>` +
	`</body></html>`

const scriptEmpty = `<!DOCTYPE html><html lang="en"><head><meta charset="UTF-8"><title>PHP Error</title></head>` +
	`<body><h2>Empty PHP output</h2>` +
	`<p>The script produced no output, check that it can be parsed.</p>` +
	`</body></html>`

// serveScript runs the interpreter over the script and captures its
// combined output. A missing interpreter or empty output serves the
// fallback body, still as a 200, matching the page contract.
func (rt *Router) serveScript(url string) engine.Response {
	path := filepath.Join(rt.root, filepath.FromSlash(url))
	if _, err := os.Stat(path); err != nil {
		return rt.notFound()
	}

	out, err := exec.Command("php", path).CombinedOutput()
	if err != nil && len(out) == 0 {
		logging.Errorf("php exec %s: %v", path, err)
		out = []byte(scriptFallback)
	} else if len(out) == 0 {
		out = []byte(scriptEmpty)
	}

	return engine.Response{
		Code:        protocol.ScriptRequest,
		Status:      200,
		ContentType: htmlType,
		Body:        engine.OwnedBody(out),
	}
}
