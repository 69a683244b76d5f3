package names

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAllocator(t *testing.T) *Allocator {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "names.lock"), rand.New(rand.NewSource(1)))
}

func TestChooseBasePriority(t *testing.T) {
	in := Inputs{
		URL:                "http://h/path/from-url.bin",
		Hint:               "from-hint.bin",
		ContentDisposition: `attachment; filename="from-cd.bin"`,
		ContentLocation:    "http://h/from-cl.bin",
	}
	assert.Equal(t, "from-hint.bin", chooseBase(in))

	in.Hint = ""
	assert.Equal(t, "from-cd.bin", chooseBase(in))

	in.ContentDisposition = ""
	assert.Equal(t, "from-cl.bin", chooseBase(in))

	in.ContentLocation = ""
	assert.Equal(t, "from-url.bin", chooseBase(in))

	in.URL = ""
	assert.Equal(t, defaultName, chooseBase(in))
}

func TestDispositionFilename(t *testing.T) {
	assert.Equal(t, "report.pdf", dispositionFilename(`attachment; filename="report.pdf"`))
	// Legacy spacing still parses through the fallback regex.
	assert.Equal(t, "a b.txt", dispositionFilename(`attachment;filename = "a b.txt"`))
	assert.Equal(t, "", dispositionFilename(""))
}

func TestDecodedTail(t *testing.T) {
	assert.Equal(t, "my file.bin", decodedTail("http://h/a/my%20file.bin?x=1"))
	assert.Equal(t, "", decodedTail("http://h/a/"))
}

func TestSanitizeFAT(t *testing.T) {
	assert.Equal(t, "a_b_c_d", sanitizeFAT(`a:b*c?d`))
	assert.Equal(t, "name", sanitizeFAT("name..."))
	assert.Equal(t, "caf_", sanitizeFAT("café"))

	long := strings.Repeat("x", 300)
	assert.LessOrEqual(t, len(sanitizeFAT(long)), maxNameBytes)
}

func TestNormalizeMime(t *testing.T) {
	assert.Equal(t, "text/html", NormalizeMime(" Text/HTML; charset=utf-8 "))
	assert.Equal(t, "", NormalizeMime(""))
}

func TestApplyExtension(t *testing.T) {
	assert.Equal(t, "page.html", applyExtension("page", "text/html"))
	assert.Equal(t, "notes.txt", applyExtension("notes", "text/plain"))
	assert.Equal(t, "blob.bin", applyExtension("blob", ""))
	assert.Equal(t, "doc.pdf", applyExtension("doc", "application/pdf"))

	// A mismatching extension is replaced by the MIME-derived one.
	assert.Equal(t, "img.png", applyExtension("img.jpg", "image/png"))

	// A matching extension is kept.
	assert.Equal(t, "img.jpg", applyExtension("img.jpg", "image/jpeg"))
}

func TestAllocateReservesFile(t *testing.T) {
	a := newAllocator(t)
	dir := t.TempDir()

	path, err := a.Allocate(Inputs{Dir: dir, Hint: "report.pdf"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.pdf"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestAllocateCollision(t *testing.T) {
	a := newAllocator(t)
	dir := t.TempDir()
	in := Inputs{Dir: dir, Hint: "report.pdf"}

	first, err := a.Allocate(in)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", filepath.Base(first))

	second, err := a.Allocate(in)
	require.NoError(t, err)
	base := filepath.Base(second)
	assert.True(t, strings.HasPrefix(base, "report-"), "got %q", base)
	assert.True(t, strings.HasSuffix(base, ".pdf"), "got %q", base)
	assert.NotEqual(t, first, second)

	_, err = os.Stat(second)
	assert.NoError(t, err)
}

func TestAllocateDefaultName(t *testing.T) {
	a := newAllocator(t)
	dir := t.TempDir()

	path, err := a.Allocate(Inputs{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, "downloadfile.bin", filepath.Base(path))
}

func TestAllocateSkipsReservedNames(t *testing.T) {
	a := newAllocator(t)
	dir := t.TempDir()

	path, err := a.Allocate(Inputs{Dir: dir, Hint: "recovery", MimeType: "application/pdf"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "recovery-"), "got %q", filepath.Base(path))
}

func TestAllocateCreatesDir(t *testing.T) {
	a := newAllocator(t)
	dir := filepath.Join(t.TempDir(), "sub", "dir")

	path, err := a.Allocate(Inputs{Dir: dir, Hint: "f.bin"})
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
}
