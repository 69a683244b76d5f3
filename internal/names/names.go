// Package names derives a valid, unique destination path for a download from
// the URL, the caller hint and the response headers. Allocation reserves the
// name by creating the file under a cross-process lock.
package names

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gofrs/flock"
	_ "github.com/h2non/filetype/matchers"
	"github.com/h2non/filetype/types"
	"github.com/vfaronov/httpheader"
)

// Legacy attachment form still sent by plenty of servers; used when the
// structured parse yields nothing.
var contentDispositionRe = regexp.MustCompile(`attachment;\s*filename\s*=\s*"([^"]*)"`)

const (
	defaultName  = "downloadfile"
	maxNameBytes = 127
)

// reservedNames may never be allocated regardless of origin input.
var reservedNames = []string{"recovery"}

// Inputs are the naming sources, in falling priority: hint, then
// Content-Disposition, then Content-Location, then the URL path.
type Inputs struct {
	Dir                string
	URL                string
	Hint               string
	ContentDisposition string
	ContentLocation    string
	MimeType           string
}

// Allocator hands out unique destination paths. The flock serializes
// allocation across processes sharing a state dir; the mutex serializes
// workers within this one.
type Allocator struct {
	mu   sync.Mutex
	lock *flock.Flock
	rng  *rand.Rand
}

// New creates an allocator whose cross-process lock lives at lockPath. The
// rng drives collision probing; tests inject a seeded one.
func New(lockPath string, rng *rand.Rand) *Allocator {
	return &Allocator{
		lock: flock.New(lockPath),
		rng:  rng,
	}
}

// Allocate picks a filename from the inputs, makes it unique within in.Dir,
// and creates the file to reserve the name. Returns the absolute path.
func (a *Allocator) Allocate(in Inputs) (string, error) {
	base := chooseBase(in)
	base = sanitizeFAT(base)
	base = applyExtension(base, NormalizeMime(in.MimeType))
	if base == "" {
		base = defaultName
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.lock.Lock(); err != nil {
		return "", fmt.Errorf("failed to take allocation lock: %w", err)
	}
	defer a.lock.Unlock()

	if err := os.MkdirAll(in.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create destination dir: %w", err)
	}

	path, err := a.reserve(in.Dir, base)
	if err != nil {
		return "", err
	}
	return path, nil
}

// reserve probes name, then name-N with N drawn from widening random
// intervals, creating the file with O_EXCL so the name is taken atomically.
func (a *Allocator) reserve(dir, base string) (string, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	try := func(name string) (string, bool, error) {
		if reserved(name) {
			return "", false, nil
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return path, true, nil
		}
		if os.IsExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to reserve %s: %w", name, err)
	}

	if path, ok, err := try(base); err != nil || ok {
		return path, err
	}

	sequence := 1
	for magnitude := 1; magnitude < 1000000000; magnitude *= 10 {
		for i := 0; i < 9; i++ {
			sequence += a.rng.Intn(magnitude) + 1
			name := stem + "-" + strconv.Itoa(sequence) + ext
			if path, ok, err := try(name); err != nil || ok {
				return path, err
			}
		}
	}
	return "", fmt.Errorf("failed to find unused filename for %q", base)
}

func reserved(name string) bool {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	for _, r := range reservedNames {
		if strings.EqualFold(stem, r) || strings.EqualFold(name, r) {
			return true
		}
	}
	return false
}

func chooseBase(in Inputs) string {
	if in.Hint != "" {
		if name := pathTail(in.Hint); name != "" {
			return name
		}
	}
	if name := dispositionFilename(in.ContentDisposition); name != "" {
		return pathTail(name)
	}
	if in.ContentLocation != "" {
		if name := decodedTail(in.ContentLocation); name != "" {
			return name
		}
	}
	if in.URL != "" {
		if name := decodedTail(in.URL); name != "" {
			return name
		}
	}
	return defaultName
}

// dispositionFilename parses the Content-Disposition header, preferring the
// structured parse and falling back to the legacy attachment regex.
func dispositionFilename(cd string) string {
	if cd == "" {
		return ""
	}
	h := http.Header{"Content-Disposition": []string{cd}}
	if _, name, err := httpheader.ContentDisposition(h); err == nil && name != "" {
		return name
	}
	if m := contentDispositionRe.FindStringSubmatch(cd); m != nil && m[1] != "" {
		return m[1]
	}
	return ""
}

// decodedTail returns the percent-decoded last path segment with any query
// stripped, or "" when the segment is empty or a bare slash.
func decodedTail(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if decoded, err := url.QueryUnescape(raw); err == nil {
		raw = decoded
	}
	if strings.HasSuffix(raw, "/") {
		return ""
	}
	return pathTail(raw)
}

func pathTail(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	name := p
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		name = p[i+1:]
	}
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// sanitizeFAT maps the name onto the VFAT-safe ASCII subset: invalid bytes
// become '_', trailing dots and spaces are trimmed, and the result is
// truncated to maxNameBytes without splitting a rune.
func sanitizeFAT(name string) string {
	var b strings.Builder
	for _, r := range name {
		if validFATChar(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.TrimRight(b.String(), ". ")
	for len(out) > maxNameBytes {
		_, size := utf8.DecodeLastRuneInString(out)
		out = out[:len(out)-size]
	}
	return out
}

func validFATChar(r rune) bool {
	if r < 0x20 || r > 0x7e {
		return false
	}
	switch r {
	case '"', '*', '/', ':', '<', '>', '?', '\\', '|', 0x7f:
		return false
	}
	return true
}

// NormalizeMime trims, lowercases and strips parameters from a media type.
func NormalizeMime(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// applyExtension makes the name's extension agree with the media type: a
// missing extension gets the MIME-derived one, and a mismatching extension is
// replaced by it.
func applyExtension(name, mimeType string) string {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	want := extensionForMime(mimeType)

	if ext == "" {
		if want == "" {
			want = "bin"
		}
		return name + "." + want
	}
	if want != "" && !strings.EqualFold(ext, want) && mimeForExtension(ext) != mimeType {
		return strings.TrimSuffix(name, "."+ext) + "." + want
	}
	return name
}

// extensionForMime maps a normalized media type to a file extension.
// text/html and text/* have fixed mappings; everything else goes through the
// magic-type registry.
func extensionForMime(mimeType string) string {
	switch {
	case mimeType == "":
		return ""
	case mimeType == "text/html":
		return "html"
	case strings.HasPrefix(mimeType, "text/"):
		return "txt"
	}
	var found string
	types.Types.Range(func(key, value interface{}) bool {
		if t, ok := value.(types.Type); ok && t.MIME.Value == mimeType {
			if ext, ok := key.(string); ok {
				found = ext
				return false
			}
		}
		return true
	})
	return found
}

func mimeForExtension(ext string) string {
	if t := types.Get(strings.ToLower(ext)); t != types.Unknown {
		return t.MIME.Value
	}
	return ""
}
