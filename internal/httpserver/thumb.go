package httpserver

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"sharedrop/internal/fsutil"
	"sharedrop/internal/mimetype"
)

const thumbMax = 256

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	rel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
	abs, ok := s.resolve(w, rel)
	if !ok {
		return
	}
	st, err := os.Stat(abs)
	if err != nil || st.IsDir() || !mimetype.IsImage(abs) {
		http.NotFound(w, r)
		return
	}

	// Thumbs are cached by path and mtime; a changed file misses the cache.
	thumbDir := filepath.Join(s.cfg.StateDir, "thumbs")
	_ = os.MkdirAll(thumbDir, 0o755)
	key := fmt.Sprintf("%s-%d.jpg", cacheKey(rel), st.ModTime().Unix())
	cached := filepath.Join(thumbDir, key)
	if b, err := os.ReadFile(cached); err == nil {
		serveThumb(w, b)
		return
	}
	b, err := renderThumb(abs, thumbMax)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	_ = os.WriteFile(cached, b, 0o644)
	serveThumb(w, b)
}

func serveThumb(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(b)
}

func cacheKey(rel string) string {
	rel = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(rel)
	if rel == "" {
		return "root"
	}
	return rel
}

// renderThumb decodes an image and scales its longest side down to max,
// returning a JPEG.
func renderThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}

	nw, nh := w, h
	if w >= h && w > max {
		nw = max
		nh = h * max / w
	} else if h > w && h > max {
		nh = max
		nw = w * max / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
