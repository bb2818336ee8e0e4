package document

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a stored file does not exist.
	ErrNotFound = errors.New("document: not found")

	// ErrInvalidName is returned for file names that could escape the storage
	// directories.
	ErrInvalidName = errors.New("document: invalid file name")
)

const (
	pdfSubdir  = "pdfs"
	textSubdir = "texts"
	pdfExt     = ".pdf"
	textExt    = ".txt"
)

// Stored names the files written by one [Store.Save].
type Stored struct {
	PDFName  string
	TextName string
}

// FileInfo describes one stored PDF.
type FileInfo struct {
	Name     string
	Size     int64
	Modified time.Time
	// TextName is empty when no extracted text exists for the PDF.
	TextName string
}

// Store keeps uploaded PDFs under <root>/pdfs and their extracted text under
// <root>/texts. Saved files are named <base>-<unixmillis> so uploads with the
// same original name never collide.
type Store struct {
	pdfDir  string
	textDir string
	now     func() time.Time
}

// NewStore creates the storage directories under root if needed.
func NewStore(root string) (*Store, error) {
	s := &Store{
		pdfDir:  filepath.Join(root, pdfSubdir),
		textDir: filepath.Join(root, textSubdir),
		now:     time.Now,
	}
	for _, dir := range []string{s.pdfDir, s.textDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("document: create %s: %w", dir, err)
		}
	}
	return s, nil
}

// PDFDir returns the directory holding stored PDFs.
func (s *Store) PDFDir() string { return s.pdfDir }

// Save writes the PDF bytes and extracted text under names derived from
// originalName.
func (s *Store) Save(originalName string, pdfData []byte, text string) (Stored, error) {
	stem := baseName(originalName) + "-" + strconv.FormatInt(s.now().UnixMilli(), 10)
	out := Stored{PDFName: stem + pdfExt, TextName: stem + textExt}

	if err := os.WriteFile(filepath.Join(s.pdfDir, out.PDFName), pdfData, 0o644); err != nil {
		return Stored{}, fmt.Errorf("document: write pdf: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.textDir, out.TextName), []byte(text), 0o644); err != nil {
		return Stored{}, fmt.Errorf("document: write text: %w", err)
	}
	return out, nil
}

// OpenPDF opens a stored PDF for reading. The caller closes the file.
func (s *Store) OpenPDF(name string) (*os.File, error) {
	path, err := s.resolve(s.pdfDir, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("document: open pdf: %w", err)
	}
	return f, nil
}

// ReadText returns the content of a stored text file.
func (s *Store) ReadText(name string) (string, error) {
	path, err := s.resolve(s.textDir, name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("document: read text: %w", err)
	}
	return string(data), nil
}

// List returns every stored PDF, newest first.
func (s *Store) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.pdfDir)
	if err != nil {
		return nil, fmt.Errorf("document: list: %w", err)
	}
	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), pdfExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fi := FileInfo{Name: e.Name(), Size: info.Size(), Modified: info.ModTime()}
		textName := strings.TrimSuffix(e.Name(), pdfExt) + textExt
		if _, err := os.Stat(filepath.Join(s.textDir, textName)); err == nil {
			fi.TextName = textName
		}
		out = append(out, fi)
	}
	slices.SortFunc(out, func(a, b FileInfo) int { return b.Modified.Compare(a.Modified) })
	return out, nil
}

// resolve joins name onto dir after rejecting anything that is not a plain
// file name.
func (s *Store) resolve(dir, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ValidateName rejects empty names, names with path separators or parent
// references, and hidden files.
func ValidateName(name string) error {
	switch {
	case name == "",
		strings.ContainsAny(name, `/\`),
		strings.Contains(name, ".."),
		strings.HasPrefix(name, "."),
		strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// baseName strips a .pdf extension and anything that could act as a path
// component from an uploaded file name.
func baseName(original string) string {
	name := filepath.Base(strings.ReplaceAll(original, `\`, "/"))
	if ext := filepath.Ext(name); strings.EqualFold(ext, pdfExt) {
		name = name[:len(name)-len(ext)]
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == '/', r == '\\', r == ':':
			return '_'
		}
		return r
	}, name)
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	name = strings.Trim(name, ". ")
	if name == "" {
		return "document"
	}
	return name
}
