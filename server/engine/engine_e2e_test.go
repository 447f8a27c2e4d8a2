package engine_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfcemployee/webserv/server/config"
	"github.com/kfcemployee/webserv/server/engine"
	"github.com/kfcemployee/webserv/server/routes"
)

const indexBody = "<html><body><h1>it works</h1></body></html>"

// startServer boots a reactor on an ephemeral port over a throwaway
// site root and waits until it accepts connections.
func startServer(t *testing.T, mutate func(*config.Config), seed func(*routes.UserStore)) (string, *routes.Registry) {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte(indexBody), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pages"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pages", "log.html"), []byte("<html>login</html>"), 0644))

	cfg := config.Default()
	cfg.Port = 0
	cfg.Root = root
	if mutate != nil {
		mutate(&cfg)
	}

	users := routes.NewUserStore()
	if seed != nil {
		seed(users)
	}
	reg := routes.NewRegistry()
	router := routes.NewRouter(root, users, reg)

	r, err := engine.New(cfg, router, reg, nil)
	require.NoError(t, err)
	reg.ConnCount = r.ConnCount

	go r.Run()
	t.Cleanup(r.Stop)

	addr := fmt.Sprintf("127.0.0.1:%d", r.Port())
	for i := 0; ; i++ {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			break
		}
		if i == 20 {
			t.Fatalf("server did not come up on %s", addr)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return addr, reg
}

type response struct {
	status  string
	headers map[string]string
	body    string
}

// readResponse parses one HTTP/1.1 response off the wire.
func readResponse(t *testing.T, br *bufio.Reader) response {
	t.Helper()

	status, err := br.ReadString('\n')
	require.NoError(t, err)

	resp := response{status: strings.TrimRight(status, "\r\n"), headers: map[string]string{}}
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if i := strings.IndexByte(line, ':'); i > 0 {
			resp.headers[strings.ToLower(strings.TrimSpace(line[:i]))] = strings.TrimSpace(line[i+1:])
		}
	}

	if cl := resp.headers["content-length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		require.NoError(t, err)
		body := make([]byte, n)
		_, err = io.ReadFull(br, body)
		require.NoError(t, err)
		resp.body = string(body)
	}
	return resp
}

func TestRootGetServesIndex(t *testing.T) {
	addr, _ := startServer(t, nil, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))

	assert.Equal(t, "HTTP/1.1 200 OK", resp.status)
	assert.Equal(t, "text/html; charset=utf-8", resp.headers["content-type"])
	assert.Equal(t, strconv.Itoa(len(indexBody)), resp.headers["content-length"])
	assert.Equal(t, "close", resp.headers["connection"])
	assert.Equal(t, indexBody, resp.body)
}

func TestRootGetReactorMode(t *testing.T) {
	addr, _ := startServer(t, func(c *config.Config) { c.Actor = 1 }, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))

	assert.Equal(t, "HTTP/1.1 200 OK", resp.status)
	assert.Equal(t, indexBody, resp.body)
}

func TestKeepAlivePipelined(t *testing.T) {
	addr, _ := startServer(t, nil, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req := "GET / HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n"
	_, err = conn.Write([]byte(req + req))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	first := readResponse(t, br)
	second := readResponse(t, br)

	assert.Equal(t, "HTTP/1.1 200 OK", first.status)
	assert.Equal(t, "keep-alive", first.headers["connection"])
	assert.Equal(t, strconv.Itoa(len(indexBody)), second.headers["content-length"])
	assert.Equal(t, indexBody, second.body)

	// the socket is still usable for a third request
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)
	third := readResponse(t, br)
	assert.Equal(t, "HTTP/1.1 200 OK", third.status)
}

func TestLoginSuccessSetsCookie(t *testing.T) {
	addr, _ := startServer(t, nil, func(u *routes.UserStore) {
		u.Seed("testuser", "testpass123")
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	form := "user=testuser&password=testpass123"
	fmt.Fprintf(conn, "POST /2login HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\nContent-Type: application/x-www-form-urlencoded\r\n\r\n%s", len(form), form)

	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "HTTP/1.1 200 OK", resp.status)
	assert.Equal(t, "ws_user=testuser; Path=/", resp.headers["set-cookie"])
	assert.Contains(t, resp.body, "Welcome back, testuser")
}

func TestLoginFailureServesErrorPage(t *testing.T) {
	addr, _ := startServer(t, nil, func(u *routes.UserStore) {
		u.Seed("testuser", "testpass123")
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	form := "user=testuser&password=wrong"
	fmt.Fprintf(conn, "POST /2login HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n%s", len(form), form)

	resp := readResponse(t, bufio.NewReader(conn))
	// logError.html does not exist in the throwaway root
	assert.Equal(t, "HTTP/1.1 404 Not Found", resp.status)
	assert.Empty(t, resp.headers["set-cookie"])
}

func TestOversizeUploadRejected(t *testing.T) {
	addr, _ := startServer(t, nil, func(u *routes.UserStore) {
		u.Seed("bob", "pw")
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "POST /upload HTTP/1.1\r\nHost: x\r\nCookie: ws_user=bob\r\nContent-Length: 300000000\r\nContent-Type: multipart/form-data; boundary=zz\r\n\r\n")

	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "HTTP/1.1 413 Payload Too Large", resp.status)
	assert.Equal(t, "close", resp.headers["connection"])
	assert.Contains(t, resp.body, "Upload failed")
}

func TestStatusJSONNeedsLogin(t *testing.T) {
	addr, _ := startServer(t, nil, func(u *routes.UserStore) {
		u.Seed("bob", "pw")
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	fmt.Fprintf(conn, "GET /status.json HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	conn.Close()
	assert.Equal(t, "HTTP/1.1 302 Found", resp.status)
	assert.Equal(t, "/pages/log.html", resp.headers["location"])

	conn, err = net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	fmt.Fprintf(conn, "GET /status.json HTTP/1.1\r\nHost: x\r\nCookie: ws_user=bob\r\n\r\n")
	resp = readResponse(t, bufio.NewReader(conn))

	assert.Equal(t, "HTTP/1.1 200 OK", resp.status)
	assert.Equal(t, "application/json; charset=utf-8", resp.headers["content-type"])
	assert.Equal(t, "no-store, no-cache, must-revalidate", resp.headers["cache-control"])
	assert.Equal(t, "no-cache", resp.headers["pragma"])
	for _, field := range []string{"uptime_seconds", "online_users", "online_connections",
		"total_unique_visitors", "total_requests", "avg_qps", "server_time"} {
		assert.Contains(t, resp.body, `"`+field+`"`)
	}
}

func TestExpectContinue(t *testing.T) {
	addr, _ := startServer(t, nil, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	body := "x=1"
	fmt.Fprintf(conn, "POST /anything HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: %d\r\n\r\n", len(body))

	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 100 Continue", strings.TrimRight(line, "\r\n"))
	// drain the preamble's blank line
	_, err = br.ReadString('\n')
	require.NoError(t, err)

	fmt.Fprintf(conn, "%s", body)
	resp := readResponse(t, br)
	assert.Equal(t, "HTTP/1.1 404 Not Found", resp.status)
}

func TestBadRequestLine(t *testing.T) {
	addr, _ := startServer(t, nil, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "PUT / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn))
	assert.Equal(t, "HTTP/1.1 400 Bad Request", resp.status)
}

func TestSignalShutdown(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte(indexBody), 0644))

	cfg := config.Default()
	cfg.Port = 0
	cfg.Root = root

	users := routes.NewUserStore()
	reg := routes.NewRegistry()
	r, err := engine.New(cfg, routes.NewRouter(root, users, reg), reg, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	addr := fmt.Sprintf("127.0.0.1:%d", r.Port())

	for i := 0; i < 20; i++ {
		if conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
			conn.Close()
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	r.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("reactor did not exit after the terminate signal")
	}
}

func TestIdleConnectionReaped(t *testing.T) {
	if testing.Short() {
		t.Skip("timer expiry needs 3*TIMESLOT of wall clock")
	}
	addr, reg := startServer(t, nil, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// complete one request so the peer is counted, then idle
	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n")
	readResponse(t, bufio.NewReader(conn))
	require.Equal(t, 1, reg.ActiveCount("local"))

	conn.SetReadDeadline(time.Now().Add(time.Duration(3*config.Timeslot+5) * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF, "server should close the idle socket")
	assert.Equal(t, 0, reg.ActiveCount("local"))
}
