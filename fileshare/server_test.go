package fileshare

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidoram/bletool/accesslog"
	"github.com/davidoram/bletool/sandbox"
)

const testFileSize = 10000

type fixture struct {
	root    *sandbox.Root
	outside string
	data    []byte
	srv     *httptest.Server
	server  *Server
}

// newFixture shares
//
//	root/big.bin (testFileSize random bytes)
//	root/a.txt, root/b.txt, root/sub/
func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	dir := filepath.Join(base, "root")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644))

	data := make([]byte, testFileSize)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bbb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))

	root, err := sandbox.New(dir)
	require.NoError(t, err)
	server := NewServer(root, Options{ChunkSize: 512})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{root: root, outside: outside, data: data, srv: srv, server: server}
}

func (f *fixture) get(t *testing.T, p string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+p, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func rangeHeader(v string) http.Header { return http.Header{"Range": {v}} }

func TestFullDownload(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/files/big.bin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, strconv.Itoa(testFileSize), resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "inline; filename=big.bin", resp.Header.Get("Content-Disposition"))
	assert.Equal(t, f.data, body)
}

func TestRangeDownload(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/files/big.bin", rangeHeader("bytes=0-99"))
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "100", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes 0-99/10000", resp.Header.Get("Content-Range"))
	assert.Equal(t, f.data[:100], body)
}

func TestRangeLastByte(t *testing.T) {
	f := newFixture(t)
	last := strconv.Itoa(testFileSize - 1)
	resp, body := f.get(t, "/files/big.bin", rangeHeader("bytes="+last+"-"+last))
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes "+last+"-"+last+"/10000", resp.Header.Get("Content-Range"))
	assert.Equal(t, f.data[testFileSize-1:], body)
}

func TestRangeOpenEnded(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/files/big.bin", rangeHeader("bytes=9000-"))
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 9000-9999/10000", resp.Header.Get("Content-Range"))
	assert.Equal(t, f.data[9000:], body)

	resp, body = f.get(t, "/files/big.bin", rangeHeader("bytes=9990-20000"))
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "10", resp.Header.Get("Content-Length"))
	assert.Equal(t, f.data[9990:], body)
}

func TestRangeRejected(t *testing.T) {
	f := newFixture(t)
	for _, h := range []string{"bytes=10000-", "bytes=50-10", "bytes=abc", "bytes=0-1,4-5", "lines=1-2"} {
		resp, _ := f.get(t, "/files/big.bin", rangeHeader(h))
		assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode, h)
		assert.Equal(t, "bytes */10000", resp.Header.Get("Content-Range"), h)
	}
}

func TestConcurrentDownloads(t *testing.T) {
	f := newFixture(t)
	const n = 8
	bodies := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(f.srv.URL + "/files/big.bin")
			if err != nil {
				return
			}
			defer resp.Body.Close()
			bodies[i], _ = io.ReadAll(resp.Body)
		}(i)
	}
	wg.Wait()
	for i := range bodies {
		assert.Equal(t, f.data, bodies[i], "download %d", i)
	}
}

func TestListing(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/files/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	page := string(body)
	sub := strings.Index(page, `href="/files/sub/"`)
	a := strings.Index(page, `href="/files/a.txt"`)
	b := strings.Index(page, `href="/files/b.txt"`)
	big := strings.Index(page, `href="/files/big.bin"`)
	require.True(t, sub >= 0 && a >= 0 && b >= 0 && big >= 0, page)
	assert.True(t, sub < a && a < b && b < big, "directories first, then files by name")
	assert.Contains(t, page, "(9.8 KB)")
	assert.NotContains(t, page, `href="/files/"`, "root has no parent link")

	resp, body = f.get(t, "/files/sub/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `href="/files/"`)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	e, err := f.root.Resolve("")
	require.NoError(t, err)
	items, err := List(e)
	require.NoError(t, err)
	var names []string
	for _, it := range items {
		names = append(names, it.Name)
	}
	assert.Equal(t, []string{"sub", "a.txt", "b.txt", "big.bin"}, names)
	assert.True(t, items[0].IsDir)
	assert.Equal(t, int64(3), items[2].Size)
}

func TestFileURLEscaping(t *testing.T) {
	assert.Equal(t, "/files/", string(fileURL("", true)))
	assert.Equal(t, "/files/a%20b/c%23d.txt", string(fileURL("a b/c#d.txt", false)))
	assert.Equal(t, "/files/dir/", string(fileURL("dir", true)))
}

func TestRedirectAndMissing(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/files/", resp.Request.URL.Path)

	resp, _ = f.get(t, "/files/nope.txt", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTraversalForbidden(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Symlink(f.outside, filepath.Join(f.root.Path(), "escape")))

	for _, p := range []string{"../outside/secret.txt", "sub/../../outside/secret.txt", "escape/secret.txt", "a.txt\x00"} {
		req := httptest.NewRequest(http.MethodGet, "/files/x", nil)
		req.SetPathValue("path", p)
		rec := httptest.NewRecorder()
		f.server.handleGet(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%q", p)
		assert.NotContains(t, rec.Body.String(), "secret", "%q", p)
	}

	resp, _ := f.get(t, "/files/escape/secret.txt", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestForbiddenNotLogged(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	h := accesslog.Wrap(zerolog.New(&buf), f.server.Handler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/..%2f..%2foutside%2fsecret.txt", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	out := buf.String()
	assert.Contains(t, out, `"message":"forbidden"`)
	assert.Contains(t, out, `"status":403`)
	assert.NotContains(t, out, "outside")
	assert.NotContains(t, out, "secret")
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.LessOrEqual(t, strings.Count(line, `"remote":`), 1, line)
	}
}

var statusTests = []struct {
	err  error
	code int
}{
	{fmt.Errorf("open a.txt: %w", fs.ErrPermission), http.StatusForbidden},
	{&fs.PathError{Op: "open", Path: "a.txt", Err: fs.ErrPermission}, http.StatusForbidden},
	{fmt.Errorf("get: %w", sandbox.ErrForbidden), http.StatusForbidden},
	{fmt.Errorf("stat: %w", fs.ErrNotExist), http.StatusNotFound},
	{sandbox.ErrNotFound, http.StatusNotFound},
	{fmt.Errorf("b.txt: %w", fs.ErrExist), http.StatusConflict},
	{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
	{fmt.Errorf("upload: %w", &http.MaxBytesError{Limit: 10}), http.StatusRequestEntityTooLarge},
	{sandbox.ErrInvalidName, http.StatusBadRequest},
	{errors.New("disk on fire"), http.StatusInternalServerError},
}

func TestStatusFor(t *testing.T) {
	for _, tt := range statusTests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}

var dispositionTests = []struct {
	name string
	want string
}{
	{"big.bin", "inline; filename=big.bin"},
	{"a b.txt", `inline; filename="a b.txt"`},
	{`say "hi".txt`, `inline; filename="say \"hi\".txt"`},
	{"r\u00e9sum\u00e9.pdf", "inline; filename*=utf-8''r%C3%A9sum%C3%A9.pdf"},
}

func TestContentDisposition(t *testing.T) {
	for _, tt := range dispositionTests {
		assert.Equal(t, tt.want, ContentDisposition(tt.name), tt.name)
	}
}

func upload(t *testing.T, url, field, name string, content []byte) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	resp, out := upload(t, f.srv.URL+"/files/sub/", "file", "new.txt", []byte("uploaded"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "sub/new.txt", out["path"])

	got, err := os.ReadFile(filepath.Join(f.root.Path(), "sub", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "uploaded", string(got))

	resp, _ = upload(t, f.srv.URL+"/files/sub/", "file", "new.txt", []byte("replaced"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	got, _ = os.ReadFile(filepath.Join(f.root.Path(), "sub", "new.txt"))
	assert.Equal(t, "replaced", string(got))

	resp, out = upload(t, f.srv.URL+"/files/missing/", "file", "x.txt", []byte("x"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "error", out["status"])

	resp, _ = upload(t, f.srv.URL+"/files/", "other", "x.txt", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = upload(t, f.srv.URL+"/files/", "file", "sub", []byte("x"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	des, err := os.ReadDir(filepath.Join(f.root.Path(), "sub"))
	require.NoError(t, err)
	for _, de := range des {
		assert.False(t, strings.HasPrefix(de.Name(), ".upload-"), "temp file left behind")
	}
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t)
	f.server.maxUpload = 100
	resp, out := upload(t, f.srv.URL+"/files/", "file", "large.bin", make([]byte, 1000))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "error", out["status"])
	_, err := os.Stat(filepath.Join(f.root.Path(), "large.bin"))
	assert.True(t, os.IsNotExist(err))
}

func postJSON(t *testing.T, url string, v interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestRename(t *testing.T) {
	f := newFixture(t)
	resp, out := postJSON(t, f.srv.URL+"/rename", renameRequest{Path: "a.txt", NewName: "c.txt"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c.txt", out["path"])
	_, err := os.Stat(filepath.Join(f.root.Path(), "c.txt"))
	assert.NoError(t, err)

	for _, tt := range []struct {
		req  renameRequest
		code int
	}{
		{renameRequest{Path: "c.txt", NewName: "b.txt"}, http.StatusConflict},
		{renameRequest{Path: "c.txt", NewName: "../escaped.txt"}, http.StatusBadRequest},
		{renameRequest{Path: "../outside/secret.txt", NewName: "stolen.txt"}, http.StatusForbidden},
		{renameRequest{Path: "nope.txt", NewName: "x.txt"}, http.StatusNotFound},
		{renameRequest{Path: "/", NewName: "x"}, http.StatusForbidden},
		{renameRequest{Path: "c.txt"}, http.StatusBadRequest},
	} {
		resp, out := postJSON(t, f.srv.URL+"/rename", tt.req)
		assert.Equal(t, tt.code, resp.StatusCode, "%+v", tt.req)
		assert.Equal(t, "error", out["status"], "%+v", tt.req)
	}
	_, err = os.Stat(filepath.Join(f.outside, "secret.txt"))
	assert.NoError(t, err)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Symlink(filepath.Join(f.root.Path(), "sub"), filepath.Join(f.root.Path(), "alias")))

	del := func(p string) int {
		req, err := http.NewRequest(http.MethodDelete, f.srv.URL+p, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, del("/files/alias"))
	_, err := os.Stat(filepath.Join(f.root.Path(), "sub"))
	assert.NoError(t, err, "deleting a link keeps its target")

	assert.Equal(t, http.StatusOK, del("/files/a.txt"))
	_, err = os.Stat(filepath.Join(f.root.Path(), "a.txt"))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, http.StatusOK, del("/files/sub"))
	assert.Equal(t, http.StatusNotFound, del("/files/a.txt"))
	assert.Equal(t, http.StatusForbidden, del("/files/"))
}

func TestCopyChunksStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var dst bytes.Buffer
	n, err := copyChunks(ctx, &dst, bytes.NewReader(make([]byte, 100)), 100, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)

	n, err = copyChunks(context.Background(), &dst, bytes.NewReader(make([]byte, 25)), 100, 10)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, int64(25), n)

	dst.Reset()
	n, err = copyChunks(context.Background(), &dst, strings.NewReader("abcdefghij"), 4, 3)
	assert.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, "abcd", dst.String())
}
