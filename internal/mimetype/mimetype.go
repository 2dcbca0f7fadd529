// Package mimetype maps filenames to content types using an explicit
// extension table, with content sniffing as a fallback for unknown
// extensions. Anything unrecognized is served as DefaultType.
package mimetype

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

// DefaultType is the content type for anything the table and the sniffer
// cannot identify.
const DefaultType = "application/octet-stream"

// sniffLen is how many leading bytes the sniffer needs (filetype's
// documented header size).
const sniffLen = 261

var byExt = map[string]string{
	// images
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	// video
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	// audio
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	// documents
	".pdf":  "application/pdf",
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".json": "application/json",
	".xml":  "application/xml",
	".csv":  "text/csv; charset=utf-8",
	// plain text and source
	".txt":  "text/plain; charset=utf-8",
	".log":  "text/plain; charset=utf-8",
	".md":   "text/plain; charset=utf-8",
	".yaml": "text/plain; charset=utf-8",
	".yml":  "text/plain; charset=utf-8",
	".toml": "text/plain; charset=utf-8",
	".ini":  "text/plain; charset=utf-8",
	".cfg":  "text/plain; charset=utf-8",
	".conf": "text/plain; charset=utf-8",
	".go":   "text/plain; charset=utf-8",
	".py":   "text/plain; charset=utf-8",
	".rs":   "text/plain; charset=utf-8",
	".c":    "text/plain; charset=utf-8",
	".h":    "text/plain; charset=utf-8",
	".cpp":  "text/plain; charset=utf-8",
	".java": "text/plain; charset=utf-8",
	".sh":   "text/plain; charset=utf-8",
	// archives
	".zip": "application/zip",
	".tar": "application/x-tar",
	".gz":  "application/gzip",
	".bz2": "application/x-bzip2",
	".xz":  "application/x-xz",
	".7z":  "application/x-7z-compressed",
	".rar": "application/vnd.rar",
}

// ByExtension looks a name up in the extension table.
func ByExtension(name string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "", false
	}
	ct, ok := byExt[ext]
	return ct, ok
}

// Sniff identifies a content type from leading file bytes.
func Sniff(head []byte) (string, bool) {
	t, err := filetype.Match(head)
	if err != nil || t == filetype.Unknown {
		return "", false
	}
	return t.MIME.Value, true
}

// ForFile resolves the content type for a named file, reading leading bytes
// from r only when the extension is unknown. Never returns "".
func ForFile(name string, r io.Reader) string {
	if ct, ok := ByExtension(name); ok {
		return ct
	}
	if r != nil {
		head := make([]byte, sniffLen)
		n, _ := io.ReadFull(r, head)
		if ct, ok := Sniff(head[:n]); ok {
			return ct
		}
	}
	return DefaultType
}

// IsImage reports whether the name maps to a raster image type the
// thumbnailer can decode.
func IsImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}
