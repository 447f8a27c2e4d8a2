// shared HTML shell and the canned dynamic pages
package routes

import (
	"os"
	"path/filepath"

	"github.com/kfcemployee/webserv/server/engine"
	"github.com/kfcemployee/webserv/server/protocol"
)

const htmlType = "text/html; charset=utf-8"

// pageShell wraps a body fragment in the site chrome every dynamic
// page shares.
func pageShell(title, body string) string {
	return `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<link rel="icon" href="/assets/media/favicon.ico">
<link rel="stylesheet" href="/assets/css/site.css">
<title>WebServer | ` + title + `</title>
</head>
<body>
<div class="page">
<div class="nav">
<div class="brand">WebServer</div>
<div class="nav-links">
<a href="/">Home</a>
<a href="/uploads/list">My uploads</a>
<a href="/pages/status.html">Status</a>
</div>
<div class="nav-auth">
<a class="btn ghost" href="/pages/log.html">Log in</a>
<a class="btn primary" href="/pages/register.html">Register</a>
</div>
</div>` + body + `</div>
<script src="/assets/js/nav-auth.js"></script>
</body>
</html>`
}

func dynamic(status int, contentType, body, extra string) engine.Response {
	return engine.Response{
		Code:        protocol.DynamicRequest,
		Status:      status,
		ContentType: contentType,
		Extra:       extra,
		Body:        engine.OwnedBody(body),
	}
}

func dynamicPage(status int, title, fragment, extra string) engine.Response {
	return dynamic(status, htmlType, pageShell(title, fragment), extra)
}

// redirectLogin is the 302 shell for pages that need a session.
func redirectLogin(extra string) engine.Response {
	return dynamicPage(302, "Login required",
		`<section class="panel" style="max-width: 620px; margin: 0 auto;">
<h2 style="font-size: 24px;">Please log in first</h2>
<p style="margin-top: 8px; color: var(--muted);">This area is only available to logged-in users.</p>
<div class="actions" style="margin-top: 16px;">
<a class="btn primary" href="/pages/log.html">Go to login</a>
<a class="btn ghost" href="/pages/register.html">Create an account</a>
</div>
</section>`,
		extra+"Location: /pages/log.html\r\n")
}

func logoutPage(extra string) engine.Response {
	return dynamicPage(302, "Logged out",
		`<section class="panel" style="max-width: 620px; margin: 0 auto;">
<h2 style="font-size: 24px;">You have been logged out</h2>
<p style="margin-top: 8px; color: var(--muted);">Your session is closed, feel free to log in again.</p>
<div class="actions" style="margin-top: 16px;">
<a class="btn primary" href="/pages/log.html">Go to login</a>
</div>
</section>`,
		extra+"Set-Cookie: ws_user=; Path=/; Max-Age=0\r\nLocation: /pages/log.html\r\n")
}

func oversizePage() engine.Response {
	return dynamicPage(413, "Payload too large",
		`<section class="panel" style="max-width: 620px; margin: 0 auto;">
<h2 style="font-size: 24px;">Upload failed</h2>
<p style="margin-top: 8px; color: var(--muted);">The request body exceeds the server limit, shrink the file and retry.</p>
<div class="actions" style="margin-top: 16px;">
<a class="btn primary" href="/pages/upload.html">Back to upload</a>
</div>
</section>`, "")
}

func uploadFailPage(message string) engine.Response {
	return dynamicPage(400, "Upload failed",
		`<section class="panel" style="max-width: 620px; margin: 0 auto;">
<h2 style="font-size: 24px;">Upload failed</h2>
<p style="margin-top: 8px; color: var(--muted);">`+message+`</p>
<div class="actions" style="margin-top: 16px;">
<a class="btn primary" href="/pages/upload.html">Back to upload</a>
</div>
</section>`, "")
}

func welcomePage(username, extra string) engine.Response {
	return dynamicPage(200, "Welcome",
		`<section class="hero">
<div>
<h1>Welcome back, `+htmlEscape(username)+`</h1>
<p>This is your personal space: galleries, videos, uploads and live status.</p>
<div class="actions">
<a class="btn primary" href="/uploads/list">My uploads</a>
<a class="btn ghost" href="/pages/upload.html">Upload a file</a>
</div>
</div>
<div class="panel">
<h3>What this server does</h3>
<p style="margin-top: 12px; color: var(--muted);">Static assets, per-user uploads, media galleries, JSON status and script pages.</p>
</div>
</section>`, extra)
}

// notFound serves the themed 404 page when the site ships one,
// otherwise falls back to the canned plain-text body.
func (rt *Router) notFound() engine.Response {
	data, err := os.ReadFile(filepath.Join(rt.root, "404.html"))
	if err != nil {
		return engine.Response{Code: protocol.NoResource}
	}
	return dynamic(404, htmlType, string(data), "")
}
