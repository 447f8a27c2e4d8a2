package routes

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartBody(boundary, filename string, data []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "--%s\r\n", boundary)
	fmt.Fprintf(&b, "Content-Disposition: form-data; name=\"file\"; filename=\"%s\"\r\n", filename)
	fmt.Fprintf(&b, "Content-Type: application/octet-stream\r\n\r\n")
	b.Write(data)
	fmt.Fprintf(&b, "\r\n--%s--\r\n", boundary)
	return b.Bytes()
}

func TestParseMultipartRoundTrip(t *testing.T) {
	payload := []byte("binary\x00payload\r\nwith\nline breaks")

	// boundary lengths across the legal range
	for _, n := range []int{1, 7, 35, 70} {
		boundary := strings.Repeat("b", n)
		body := multipartBody(boundary, "data.bin", payload)

		name, data, err := parseMultipart(body, boundary)
		require.NoError(t, err, "boundary length %d", n)
		assert.Equal(t, "data.bin", name)
		assert.Equal(t, payload, data)
	}
}

func TestParseMultipartBareLF(t *testing.T) {
	boundary := "xyz"
	var b bytes.Buffer
	fmt.Fprintf(&b, "--%s\n", boundary)
	fmt.Fprintf(&b, "Content-Disposition: form-data; name=\"f\"; filename=\"a.txt\"\n\n")
	b.WriteString("hello")
	fmt.Fprintf(&b, "\n--%s--\n", boundary)

	name, data, err := parseMultipart(b.Bytes(), boundary)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", name)
	assert.Equal(t, "hello", string(data))
}

func TestParseMultipartDetectedBoundary(t *testing.T) {
	body := multipartBody("detected-me", "pic.png", []byte("pngdata"))

	// header never announced the boundary
	name, data, err := parseMultipart(body, "")
	require.NoError(t, err)
	assert.Equal(t, "pic.png", name)
	assert.Equal(t, "pngdata", string(data))
}

func TestParseMultipartErrors(t *testing.T) {
	boundary := "bb"

	_, _, err := parseMultipart([]byte("no boundary anywhere"), boundary)
	assert.Error(t, err)

	// headers never terminate
	_, _, err = parseMultipart([]byte("--bb\r\nContent-Disposition: x"), boundary)
	assert.ErrorIs(t, err, errNoHeaders)

	// filename missing
	_, _, err = parseMultipart([]byte("--bb\r\nContent-Disposition: form-data; name=\"f\"\r\n\r\ndata\r\n--bb--"), boundary)
	assert.ErrorIs(t, err, errNoFilename)

	// closing boundary missing
	_, _, err = parseMultipart([]byte("--bb\r\nContent-Disposition: form-data; filename=\"a\"\r\n\r\ndata"), boundary)
	assert.ErrorIs(t, err, errNoClose)
}

func testRouter(t *testing.T) *Router {
	t.Helper()
	return NewRouter(t.TempDir(), NewUserStore(), NewRegistry())
}

func TestHandleUploadPersistsFileAndMeta(t *testing.T) {
	rt := testRouter(t)
	payload := []byte("file-content-here")
	body := multipartBody("bnd", "notes.txt", payload)

	resp := rt.handleUpload("alice", body, "bnd")
	assert.Equal(t, 200, resp.Status)

	items := rt.loadUserUploads("alice")
	require.Len(t, items, 1)
	assert.Equal(t, "notes.txt", items[0].originalName)
	assert.Equal(t, int64(len(payload)), items[0].size)
	assert.True(t, strings.HasPrefix(items[0].storedName, "alice_"))
	assert.True(t, strings.HasSuffix(items[0].storedName, "_notes.txt"))

	onDisk, err := os.ReadFile(filepath.Join(rt.uploadsDir(), items[0].storedName))
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	assert.True(t, rt.userOwnsUpload("alice", items[0].storedName))
	assert.False(t, rt.userOwnsUpload("mallory", items[0].storedName))
}

func TestHandleUploadBadBody(t *testing.T) {
	rt := testRouter(t)

	resp := rt.handleUpload("alice", nil, "bnd")
	assert.Equal(t, 400, resp.Status)

	resp = rt.handleUpload("alice", []byte("not multipart at all"), "bnd")
	assert.Equal(t, 400, resp.Status)
	assert.Empty(t, rt.loadUserUploads("alice"))
}

func TestUploadListAndDelete(t *testing.T) {
	rt := testRouter(t)

	var stored []string
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("file-%d.txt", i)
		resp := rt.handleUpload("bob", multipartBody("b", name, []byte("data")), "b")
		require.Equal(t, 200, resp.Status)
	}
	items := rt.loadUserUploads("bob")
	require.Len(t, items, 3)
	for _, item := range items {
		stored = append(stored, item.storedName)
	}

	list := rt.handleUploadList("bob")
	assert.Equal(t, 200, list.Status)
	page := string(list.Body.Bytes())
	for _, s := range stored {
		assert.Contains(t, page, s)
	}

	// delete the middle one
	form := []byte("file=" + stored[1])
	del := rt.handleUploadDelete("bob", form)
	assert.Equal(t, 200, del.Status)

	items = rt.loadUserUploads("bob")
	require.Len(t, items, 2)
	assert.False(t, rt.userOwnsUpload("bob", stored[1]))
	_, err := os.Stat(filepath.Join(rt.uploadsDir(), stored[1]))
	assert.True(t, os.IsNotExist(err), "blob must be gone")

	page = string(rt.handleUploadList("bob").Body.Bytes())
	assert.NotContains(t, page, stored[1])
	assert.Contains(t, page, stored[0])
	assert.Contains(t, page, stored[2])
}

func TestUploadDeleteValidation(t *testing.T) {
	rt := testRouter(t)
	rt.handleUpload("bob", multipartBody("b", "keep.txt", []byte("x")), "b")

	// traversal and separators are rejected outright
	for _, payload := range []string{"file=../secret", `file=a/b`, `file=a\b`, ""} {
		resp := rt.handleUploadDelete("bob", []byte(payload))
		assert.NotEqual(t, 200, resp.Status, payload)
	}

	// deleting a file the user does not own is a 404 path
	resp := rt.handleUploadDelete("bob", []byte("file=nonexistent.bin"))
	assert.NotEqual(t, 200, resp.Status)
	require.Len(t, rt.loadUserUploads("bob"), 1)
}

func TestLoadUserUploadsSkipsDamagedLines(t *testing.T) {
	rt := testRouter(t)
	require.NoError(t, os.MkdirAll(rt.metaDir(), 0755))
	require.NoError(t, os.WriteFile(rt.metaPath("u"), []byte(
		"good.bin|orig.bin|10|1700000000\n"+
			"short|line\n"+
			"bad.bin|orig|notanumber|1700000000\n"+
			"\n"+
			"also-good.bin|o2|5|1700000001\n"), 0644))

	items := rt.loadUserUploads("u")
	require.Len(t, items, 2)
	assert.Equal(t, "good.bin", items[0].storedName)
	assert.Equal(t, "also-good.bin", items[1].storedName)
}
