package httpserver

import (
	"archive/zip"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/russross/blackfriday/v2"
	"golang.org/x/net/webdav"

	"sharedrop/internal/announce"
	"sharedrop/internal/auth"
	"sharedrop/internal/config"
	"sharedrop/internal/fsutil"
	"sharedrop/internal/mimetype"
	"sharedrop/internal/upload"
)

type Options struct {
	Config config.Config

	// Gate is the password gate; nil builds one from the config hash.
	Gate *auth.Gate

	// BaseURL is the announced server URL, encoded by /qr.png.
	// Empty disables the QR endpoint.
	BaseURL string
}

type Server struct {
	cfg   config.Config
	gate  *auth.Gate
	saver *upload.Saver
	tmpl  *template.Template
	qrPNG []byte
}

//go:embed templates/*.html
var embeddedTemplates embed.FS

func New(opts Options) (*Server, error) {
	saver, err := upload.NewSaver(opts.Config.Root, opts.Config.StateDir)
	if err != nil {
		return nil, fmt.Errorf("upload saver: %w", err)
	}
	tmpl, err := template.ParseFS(embeddedTemplates, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	gate := opts.Gate
	if gate == nil {
		gate = auth.NewGate(opts.Config.PasswordBcrypt)
	}
	var qr []byte
	if opts.BaseURL != "" {
		if qr, err = announce.PNG(opts.BaseURL); err != nil {
			log.Printf("qr encode: %v (endpoint disabled)", err)
			qr = nil
		}
	}
	return &Server{
		cfg:   opts.Config,
		gate:  gate,
		saver: saver,
		tmpl:  tmpl,
		qrPNG: qr,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)
	mux.HandleFunc("/qr.png", s.handleQR)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/api/list", s.handleList)
	mux.HandleFunc("/api/zip", s.handleZip)
	mux.HandleFunc("/thumb", s.handleThumb)

	dav := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: webdav.Dir(s.cfg.Root),
		LockSystem: webdav.NewMemLS(),
	}
	mux.Handle("/dav/", dav)

	mux.HandleFunc("/", s.handleRoot)

	if !s.gate.Enabled() {
		return mux
	}
	gated := s.gate.Require(mux, http.HandlerFunc(s.deny))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Login and liveness stay reachable without credentials.
		if r.URL.Path == "/login" || r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		gated.ServeHTTP(w, r)
	})
}

// deny answers an unauthenticated request: browsers get the login page,
// everything else a Basic challenge.
func (s *Server) deny(w http.ResponseWriter, r *http.Request) {
	if wantsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_ = s.tmpl.ExecuteTemplate(w, "login.html", loginPage{})
		return
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="sharedrop"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// resolve maps a user path to an absolute path under the root, writing the
// error response itself. ok is false when the response was already sent.
func (s *Server) resolve(w http.ResponseWriter, rel string) (abs string, ok bool) {
	abs, err := fsutil.JoinWithinRoot(s.cfg.Root, rel)
	switch {
	case errors.Is(err, fsutil.ErrPathEscape):
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", false
	case err != nil:
		http.Error(w, "bad path", http.StatusBadRequest)
		return "", false
	}
	// The state dir (upload staging, thumb cache) is not part of the share.
	state := filepath.Clean(s.cfg.StateDir)
	if abs == state || strings.HasPrefix(abs, state+string(filepath.Separator)) {
		http.Error(w, "not found", http.StatusNotFound)
		return "", false
	}
	return abs, true
}

// --- browse and file serving ---

type crumb struct {
	Name string
	Href string
}

type pageEntry struct {
	Name  string
	Href  string
	Size  string
	IsDir bool
}

type browsePage struct {
	Path    string
	Rel     string
	Parent  string
	Crumbs  []crumb
	Entries []pageEntry
	Readme  template.HTML
	ShowQR  bool
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rel := fsutil.CleanRelPath(r.URL.Path)
	abs, ok := s.resolve(w, rel)
	if !ok {
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if st.IsDir() {
		if rel != "" && !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(w, r, hrefFor(rel, true), http.StatusMovedPermanently)
			return
		}
		s.renderBrowse(w, rel, abs)
		return
	}
	s.serveFile(w, r, abs, st)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, abs string, st os.FileInfo) {
	f, err := os.Open(abs)
	if err != nil {
		http.Error(w, "open failed", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	ct := mimetype.ForFile(st.Name(), f)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		http.Error(w, "seek failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ct)
	if r.URL.Query().Get("dl") == "1" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", st.Name()))
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func (s *Server) renderBrowse(w http.ResponseWriter, rel, abs string) {
	ents, err := os.ReadDir(abs)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	entries := make([]pageEntry, 0, len(ents))
	var readme template.HTML
	for _, e := range ents {
		if filepath.Join(abs, e.Name()) == s.cfg.StateDir {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		childRel := fsutil.JoinRel(rel, e.Name())
		pe := pageEntry{
			Name:  e.Name(),
			Href:  hrefFor(childRel, e.IsDir()),
			IsDir: e.IsDir(),
		}
		if !e.IsDir() {
			pe.Size = humanSize(info.Size())
			if readme == "" && (e.Name() == "README.md" || e.Name() == "readme.md") {
				readme = renderMarkdown(filepath.Join(abs, e.Name()))
			}
		}
		entries = append(entries, pe)
	}
	sortEntries(entries)

	page := browsePage{
		Path:    "/" + rel,
		Rel:     rel,
		Crumbs:  crumbsFor(rel),
		Entries: entries,
		Readme:  readme,
		ShowQR:  len(s.qrPNG) > 0 && rel == "",
	}
	if rel != "" {
		parent := path.Dir(rel)
		if parent == "." {
			parent = ""
		}
		page.Parent = hrefFor(parent, true)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "browse.html", page); err != nil {
		log.Printf("render browse: %v", err)
	}
}

const maxReadmeBytes = 1 << 20

func renderMarkdown(p string) template.HTML {
	b, err := os.ReadFile(p)
	if err != nil || len(b) > maxReadmeBytes {
		return ""
	}
	return template.HTML(blackfriday.Run(b))
}

// --- search ---

type searchPage struct {
	Query     string
	BackHref  string
	Entries   []pageEntry
	Truncated bool
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	baseRel := fsutil.CleanRelPath(r.URL.Query().Get("dir"))
	baseAbs, ok := s.resolve(w, baseRel)
	if !ok {
		return
	}
	st, err := os.Stat(baseAbs)
	if err != nil || !st.IsDir() {
		http.NotFound(w, r)
		return
	}

	var entries []pageEntry
	var truncated bool
	if q != "" {
		entries, truncated = s.searchTree(r.Context(), baseAbs, baseRel, strings.ToLower(q))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	page := searchPage{
		Query:     q,
		BackHref:  hrefFor(baseRel, true),
		Entries:   entries,
		Truncated: truncated,
	}
	if err := s.tmpl.ExecuteTemplate(w, "search.html", page); err != nil {
		log.Printf("render search: %v", err)
	}
}

// searchTree walks breadth-first under baseAbs matching qlow against the
// lowercased relative path. Bounded so a huge tree cannot pin the server.
func (s *Server) searchTree(ctx context.Context, baseAbs, baseRel, qlow string) ([]pageEntry, bool) {
	const maxHits = 500
	const maxSeen = 100_000

	type node struct {
		abs string
		rel string
	}
	queue := []node{{abs: baseAbs, rel: baseRel}}
	hits := make([]pageEntry, 0, 32)
	var seen int

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return hits, true
		}
		n := queue[0]
		queue = queue[1:]
		ents, err := os.ReadDir(n.abs)
		if err != nil {
			continue
		}
		for _, e := range ents {
			seen++
			if seen > maxSeen {
				return hits, true
			}
			childAbs := filepath.Join(n.abs, e.Name())
			if childAbs == s.cfg.StateDir {
				continue
			}
			childRel := fsutil.JoinRel(n.rel, e.Name())
			if strings.Contains(strings.ToLower(childRel), qlow) {
				pe := pageEntry{
					Name:  childRel,
					Href:  hrefFor(childRel, e.IsDir()),
					IsDir: e.IsDir(),
				}
				if info, err := e.Info(); err == nil && !e.IsDir() {
					pe.Size = humanSize(info.Size())
				}
				hits = append(hits, pe)
				if len(hits) >= maxHits {
					return hits, true
				}
			}
			// do not follow symlinked dirs (avoid loops)
			if e.IsDir() && e.Type()&os.ModeSymlink == 0 {
				queue = append(queue, node{abs: childAbs, rel: childRel})
			}
		}
	}
	return hits, false
}

// --- upload ---

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(256 << 20); err != nil { // 256MiB memory+tmp
		http.Error(w, "bad multipart", http.StatusBadRequest)
		return
	}
	destRel := fsutil.CleanRelPath(r.FormValue("path"))
	mf := r.MultipartForm
	if mf == nil || len(mf.File) == 0 {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}

	keys := make([]string, 0, len(mf.File))
	for k := range mf.File {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var saved int
	for _, k := range keys {
		for _, fh := range mf.File[k] {
			src, err := fh.Open()
			if err != nil {
				http.Error(w, "bad multipart", http.StatusBadRequest)
				return
			}
			abs, size, err := s.saver.Save(r.Context(), destRel, fh.Filename, src)
			_ = src.Close()
			switch {
			case errors.Is(err, upload.ErrEmptyName):
				continue
			case errors.Is(err, fsutil.ErrPathEscape):
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			case err != nil:
				http.Error(w, "write failed", http.StatusInternalServerError)
				return
			}
			log.Printf("upload: %s (%s)", fsutil.RelFromRoot(s.cfg.Root, abs), humanSize(size))
			saved++
		}
	}
	if saved == 0 {
		http.Error(w, "no files uploaded", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, hrefFor(destRel, true), http.StatusSeeOther)
}

// --- login ---

type loginPage struct {
	Error string
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.gate.Enabled() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = s.tmpl.ExecuteTemplate(w, "login.html", loginPage{})
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if !s.gate.CheckPassword(r.PostFormValue("password")) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			_ = s.tmpl.ExecuteTemplate(w, "login.html", loginPage{Error: "Invalid access key"})
			return
		}
		tok, err := s.gate.NewSession()
		if err != nil {
			http.Error(w, "session failed", http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     auth.CookieName,
			Value:    tok,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		http.Redirect(w, r, "/", http.StatusSeeOther)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if c, err := r.Cookie(auth.CookieName); err == nil {
		s.gate.Drop(c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: auth.CookieName, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// --- QR image ---

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if len(s.qrPNG) == 0 {
		http.Error(w, "address unknown", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(s.qrPNG)
}

// --- JSON list API ---

type listItem struct {
	Name  string `json:"name"`
	Path  string `json:"path"` // rel
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Mime  string `json:"mime,omitempty"`
	Thumb string `json:"thumb,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	rel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
	abs, ok := s.resolve(w, rel)
	if !ok {
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if !st.IsDir() {
		http.Error(w, "not a directory", http.StatusBadRequest)
		return
	}
	ents, err := os.ReadDir(abs)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	items := make([]listItem, 0, len(ents))
	for _, e := range ents {
		if filepath.Join(abs, e.Name()) == s.cfg.StateDir {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		childRel := fsutil.JoinRel(rel, e.Name())
		it := listItem{
			Name:  e.Name(),
			Path:  childRel,
			IsDir: e.IsDir(),
			Size:  info.Size(),
			Mtime: info.ModTime().Unix(),
		}
		if !it.IsDir {
			if ct, ok := mimetype.ByExtension(e.Name()); ok {
				it.Mime = ct
			}
			if mimetype.IsImage(e.Name()) {
				it.Thumb = "/thumb?path=" + url.QueryEscape(childRel)
			}
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	writeJSON(w, map[string]any{"path": rel, "items": items})
}

// --- zip download ---

func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	// GET  /api/zip?path=<rel>
	// POST /api/zip (form: paths=...&paths=...&name=...)
	var paths []string
	var name string
	switch r.Method {
	case http.MethodGet:
		p := fsutil.CleanRelPath(r.URL.Query().Get("path"))
		if p == "" {
			http.Error(w, "missing path", http.StatusBadRequest)
			return
		}
		paths = []string{p}
		name = path.Base(p)
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		for _, p := range r.Form["paths"] {
			if p = fsutil.CleanRelPath(p); p != "" {
				paths = append(paths, p)
			}
		}
		name = strings.TrimSpace(r.FormValue("name"))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(paths) == 0 {
		http.Error(w, "missing paths", http.StatusBadRequest)
		return
	}
	if name == "" {
		if len(paths) == 1 {
			name = path.Base(paths[0])
		} else {
			name = "download"
		}
	}
	name = sanitizeZipName(name)

	type item struct {
		rel string
		abs string
		st  os.FileInfo
	}
	items := make([]item, 0, len(paths))
	for _, p := range paths {
		abs, ok := s.resolve(w, p)
		if !ok {
			return
		}
		st, err := os.Stat(abs)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		items = append(items, item{rel: p, abs: abs, st: st})
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	zw := zip.NewWriter(w)
	defer zw.Close()

	ctx := r.Context()
	addFile := func(abs, zipPath string, mod time.Time) {
		h := &zip.FileHeader{Name: zipPath, Method: zip.Deflate, Modified: mod}
		wr, err := zw.CreateHeader(h)
		if err != nil {
			return
		}
		f, err := os.Open(abs)
		if err != nil {
			return
		}
		_, _ = io.Copy(wr, f)
		_ = f.Close()
	}

	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		top := path.Base(it.rel)
		if !it.st.IsDir() {
			addFile(it.abs, top, it.st.ModTime())
			continue
		}
		_ = filepath.WalkDir(it.abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if p == s.cfg.StateDir {
					return filepath.SkipDir
				}
				return nil
			}
			relp, err := filepath.Rel(it.abs, p)
			if err != nil {
				return nil
			}
			mod := time.Now()
			if info, err := d.Info(); err == nil {
				mod = info.ModTime()
			}
			addFile(p, path.Join(top, filepath.ToSlash(relp)), mod)
			return nil
		})
	}
}

// --- helpers ---

func hrefFor(rel string, isDir bool) string {
	if rel == "" {
		return "/"
	}
	u := url.URL{Path: "/" + rel}
	h := u.EscapedPath()
	if isDir {
		h += "/"
	}
	return h
}

func crumbsFor(rel string) []crumb {
	crumbs := []crumb{{Name: "share", Href: "/"}}
	if rel == "" {
		return crumbs
	}
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		crumbs = append(crumbs, crumb{
			Name: p,
			Href: hrefFor(strings.Join(parts[:i+1], "/"), true),
		})
	}
	return crumbs
}

func sortEntries(entries []pageEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

func humanSize(n int64) string {
	f := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if f < 1024 {
			return fmt.Sprintf("%.1f %s", f, unit)
		}
		f /= 1024
	}
	return fmt.Sprintf("%.1f TB", f)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func sanitizeZipName(s string) string {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".zip")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "download"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
