package httpserver

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"sharedrop/internal/auth"
	"sharedrop/internal/config"
)

func newTestServer(t *testing.T, passwordHash, baseURL string) (http.Handler, string) {
	t.Helper()
	cfg := config.Config{Root: t.TempDir(), PasswordBcrypt: passwordHash}
	if err := cfg.Resolve(); err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	srv, err := New(Options{Config: cfg, BaseURL: baseURL})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Handler(), cfg.Root
}

func multipartBody(t *testing.T, destRel string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if destRel != "" {
		if err := mw.WriteField("path", destRel); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func doUpload(t *testing.T, h http.Handler, destRel string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, destRel, files)
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUploadThenDownload(t *testing.T) {
	h, _ := newTestServer(t, "", "")

	rec := doUpload(t, h, "", map[string]string{"test.txt": "hello"})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}

	rec = get(h, "/test.txt", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q, want hello", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q, want text/plain", ct)
	}
}

func TestUploadToSubdir(t *testing.T) {
	h, root := newTestServer(t, "", "")
	if err := os.Mkdir(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}

	rec := doUpload(t, h, "docs", map[string]string{"note.txt": "n"})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("upload: %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/docs/" {
		t.Errorf("redirect to %q, want /docs/", loc)
	}
	if _, err := os.Stat(filepath.Join(root, "docs", "note.txt")); err != nil {
		t.Errorf("file missing: %v", err)
	}
}

func TestUploadBadMultipart(t *testing.T) {
	h, _ := newTestServer(t, "", "")
	req := httptest.NewRequest("POST", "/upload", strings.NewReader("not multipart at all"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=zzz")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", rec.Code)
	}
}

func TestTraversalNeverEscapes(t *testing.T) {
	h, root := newTestServer(t, "", "")
	if err := os.WriteFile(filepath.Join(root, "inside.txt"), []byte("in"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, target := range []string{
		"/../../etc/passwd",
		"/%2e%2e/%2e%2e/etc/passwd",
		"/..%2f..%2fetc/passwd",
		"/a/../../../etc/passwd",
	} {
		req := httptest.NewRequest("GET", target, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		switch rec.Code {
		case http.StatusOK:
			t.Errorf("%s: served content (%q)", target, rec.Body.String())
		case http.StatusMovedPermanently, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
			// confined
		default:
			t.Errorf("%s: unexpected status %d", target, rec.Code)
		}
	}
}

func TestFileNotFound(t *testing.T) {
	h, _ := newTestServer(t, "", "")
	if rec := get(h, "/nope.txt", nil); rec.Code != http.StatusNotFound {
		t.Errorf("got %d, want 404", rec.Code)
	}
}

func TestEmptyDirListing(t *testing.T) {
	h, _ := newTestServer(t, "", "")
	rec := get(h, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Empty directory") {
		t.Error("empty marker missing")
	}
	if strings.Contains(body, `class="file-name"`) {
		t.Error("unexpected entries in empty listing")
	}
}

func TestListingShowsEntriesAndHidesStateDir(t *testing.T) {
	h, root := newTestServer(t, "", "")
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	body := get(h, "/", nil).Body.String()
	if !strings.Contains(body, "a.txt") || !strings.Contains(body, "sub") {
		t.Errorf("entries missing: %s", body)
	}
	if strings.Contains(body, ".sharedrop") {
		t.Error("state dir leaked into listing")
	}
}

func TestDirRedirectAndNestedListing(t *testing.T) {
	h, root := newTestServer(t, "", "")
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	rec := get(h, "/sub", nil)
	if rec.Code != http.StatusMovedPermanently || rec.Header().Get("Location") != "/sub/" {
		t.Fatalf("got %d -> %q", rec.Code, rec.Header().Get("Location"))
	}
	if rec := get(h, "/sub/", nil); rec.Code != http.StatusOK {
		t.Errorf("nested listing: %d", rec.Code)
	}
}

func TestSearch(t *testing.T) {
	h, _ := newTestServer(t, "", "")
	rec := doUpload(t, h, "", map[string]string{"test.txt": "hello"})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("upload: %d", rec.Code)
	}

	rec = get(h, "/search?q=test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test.txt") {
		t.Error("hit missing from results")
	}

	rec = get(h, "/search?q=nope", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "test.txt") {
		t.Error("false hit")
	}
	if !strings.Contains(rec.Body.String(), "No matches") {
		t.Error("empty marker missing")
	}
}

func TestSearchCaseInsensitiveAndScoped(t *testing.T) {
	h, root := newTestServer(t, "", "")
	if err := os.MkdirAll(filepath.Join(root, "deep", "nest"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "deep", "nest", "Report.PDF"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if body := get(h, "/search?q=report", nil).Body.String(); !strings.Contains(body, "Report.PDF") {
		t.Error("case-insensitive match failed")
	}
	if body := get(h, "/search?q=report&dir=deep", nil).Body.String(); !strings.Contains(body, "Report.PDF") {
		t.Error("scoped search failed")
	}
	if rec := get(h, "/search?q=x&dir=absent", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing base dir: got %d, want 404", rec.Code)
	}
}

func TestPasswordGate(t *testing.T) {
	hash, err := auth.HashPassword("opensesame")
	if err != nil {
		t.Fatal(err)
	}
	h, _ := newTestServer(t, hash, "")

	// no credential
	rec := get(h, "/", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bare request: %d, want 401", rec.Code)
	}

	// browsers get a login prompt
	rec = get(h, "/", map[string]string{"Accept": "text/html"})
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "password") {
		t.Errorf("browser deny: %d", rec.Code)
	}

	// basic auth with the shared password
	basic := "Basic " + base64.StdEncoding.EncodeToString([]byte("me:opensesame"))
	rec = get(h, "/", map[string]string{"Authorization": basic})
	if rec.Code != http.StatusOK {
		t.Errorf("basic auth: %d, want 200", rec.Code)
	}

	// login form sets a session cookie
	form := strings.NewReader("password=opensesame")
	req := httptest.NewRequest("POST", "/login", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	lrec := httptest.NewRecorder()
	h.ServeHTTP(lrec, req)
	if lrec.Code != http.StatusSeeOther {
		t.Fatalf("login: %d", lrec.Code)
	}
	cookies := lrec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no session cookie set")
	}
	rec = get(h, "/", map[string]string{"Cookie": cookies[0].Name + "=" + cookies[0].Value})
	if rec.Code != http.StatusOK {
		t.Errorf("cookie auth: %d, want 200", rec.Code)
	}

	// wrong password at the form
	form = strings.NewReader("password=wrong")
	req = httptest.NewRequest("POST", "/login", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	lrec = httptest.NewRecorder()
	h.ServeHTTP(lrec, req)
	if lrec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: %d, want 401", lrec.Code)
	}

	// health stays open
	if rec := get(h, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz gated: %d", rec.Code)
	}
}

func TestConcurrentUploads(t *testing.T) {
	h, _ := newTestServer(t, "", "")

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("c%d.txt", i)
			codes[i] = doUpload(t, h, "", map[string]string{name: name}).Code
		}(i)
	}
	wg.Wait()
	for i, code := range codes {
		if code != http.StatusSeeOther {
			t.Fatalf("upload %d: %d", i, code)
		}
	}
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("c%d.txt", i)
		rec := get(h, "/"+name, nil)
		if rec.Code != http.StatusOK || rec.Body.String() != name {
			t.Errorf("%s: %d %q", name, rec.Code, rec.Body.String())
		}
	}
}

func TestListJSON(t *testing.T) {
	h, root := newTestServer(t, "", "")
	if err := os.WriteFile(filepath.Join(root, "pic.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := get(h, "/api/list", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var resp struct {
		Path  string     `json:"path"`
		Items []listItem `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Name != "pic.png" {
		t.Fatalf("items = %+v", resp.Items)
	}
	if resp.Items[0].Mime != "image/png" || resp.Items[0].Thumb == "" {
		t.Errorf("item = %+v", resp.Items[0])
	}
}

func TestZipDownload(t *testing.T) {
	h, root := newTestServer(t, "", "")
	if err := os.MkdirAll(filepath.Join(root, "pack"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "pack", "a.txt"), []byte("aa"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := get(h, "/api/zip?path=pack", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("zip: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("content type = %q", ct)
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "pack/a.txt" {
		t.Fatalf("zip entries: %+v", zr.File)
	}
}

func TestQREndpoint(t *testing.T) {
	h, _ := newTestServer(t, "", "http://192.168.1.9:8000")
	rec := get(h, "/qr.png", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Errorf("qr: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	h, _ = newTestServer(t, "", "")
	if rec := get(h, "/qr.png", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no base url: %d, want 503", rec.Code)
	}
}

func TestReadmeRendered(t *testing.T) {
	h, root := newTestServer(t, "", "")
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("# Welcome\n\nshared stuff"), 0o644); err != nil {
		t.Fatal(err)
	}
	body := get(h, "/", nil).Body.String()
	if !strings.Contains(body, "<h1") || !strings.Contains(body, "Welcome") {
		t.Error("README not rendered to HTML")
	}
}

func writePNG(t *testing.T, p string) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestThumbEndpoint(t *testing.T) {
	h, root := newTestServer(t, "", "")
	writePNG(t, filepath.Join(root, "pic.png"))

	// Second request is served from the on-disk cache.
	for i := 0; i < 2; i++ {
		rec := get(h, "/thumb?path=pic.png", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("thumb request %d: %d", i, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
			t.Fatalf("thumb request %d: content type %q", i, ct)
		}
	}
	cached, err := filepath.Glob(filepath.Join(root, ".sharedrop", "thumbs", "*.jpg"))
	if err != nil || len(cached) != 1 {
		t.Errorf("cache files = %v (%v)", cached, err)
	}

	if err := os.WriteFile(filepath.Join(root, "doc.txt"), []byte("t"), 0o644); err != nil {
		t.Fatal(err)
	}
	if rec := get(h, "/thumb?path=doc.txt", nil); rec.Code != http.StatusNotFound {
		t.Errorf("non-image thumb: %d, want 404", rec.Code)
	}
	if rec := get(h, "/thumb?path=missing.png", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing file thumb: %d, want 404", rec.Code)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	hash, err := auth.HashPassword("opensesame")
	if err != nil {
		t.Fatal(err)
	}
	h, _ := newTestServer(t, hash, "")

	req := httptest.NewRequest("POST", "/login", strings.NewReader("password=opensesame"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	lrec := httptest.NewRecorder()
	h.ServeHTTP(lrec, req)
	cookies := lrec.Result().Cookies()
	if lrec.Code != http.StatusSeeOther || len(cookies) == 0 {
		t.Fatalf("login: %d, cookies %d", lrec.Code, len(cookies))
	}
	cookie := cookies[0].Name + "=" + cookies[0].Value

	if rec := get(h, "/", map[string]string{"Cookie": cookie}); rec.Code != http.StatusOK {
		t.Fatalf("before logout: %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("POST", "/logout", nil)
	req.Header.Set("Cookie", cookie)
	orec := httptest.NewRecorder()
	h.ServeHTTP(orec, req)
	if orec.Code != http.StatusSeeOther {
		t.Fatalf("logout: %d, want 303", orec.Code)
	}

	if rec := get(h, "/", map[string]string{"Cookie": cookie}); rec.Code != http.StatusUnauthorized {
		t.Errorf("after logout: %d, want 401", rec.Code)
	}
}

func TestStateDirNotReachable(t *testing.T) {
	h, _ := newTestServer(t, "", "")

	// The staging dir exists under <root>/.sharedrop after startup, but
	// no request path may reach into it.
	for _, target := range []string{
		"/.sharedrop/",
		"/.sharedrop/uploads/",
		"/search?q=up&dir=.sharedrop",
		"/api/list?path=.sharedrop",
		"/api/zip?path=.sharedrop",
		"/thumb?path=.sharedrop/thumbs/x.jpg",
	} {
		if rec := get(h, target, nil); rec.Code != http.StatusNotFound {
			t.Errorf("%s: %d, want 404", target, rec.Code)
		}
	}
}

func TestDownloadDisposition(t *testing.T) {
	h, root := newTestServer(t, "", "")
	if err := os.WriteFile(filepath.Join(root, "f.bin"), []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	rec := get(h, "/f.bin?dl=1", nil)
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `"f.bin"`) {
		t.Errorf("disposition = %q", cd)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("content type = %q", ct)
	}
}
