// Package archive stores crops of faces that matched no enrolled student.
package archive

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kozaktomas/classroll/internal/imaging"
)

const (
	dirName       = "unknown_faces"
	filePrefix    = "unknown_session_"
	timeLayout    = "20060102_150405"
	jpegQuality   = 90
	unassignedDir = "unassigned"
)

// ErrEmptyCrop is returned when there is nothing to archive.
var ErrEmptyCrop = errors.New("empty face crop")

// ErrInvalidRef is returned by Open for references outside the archive.
var ErrInvalidRef = errors.New("invalid archive reference")

// Record describes one archived face.
type Record struct {
	SessionID  int64     `json:"session_id"`
	ClassID    string    `json:"class_id,omitempty"`
	Ref        string    `json:"ref"` // path relative to the archive root
	DetectedAt time.Time `json:"detected_at"`
	Size       int64     `json:"size"`
}

// Archiver writes JPEG crops to
// <root>/unknown_faces/<class>/<session>/unknown_session_<session>_<timestamp>_<suffix>.jpg.
type Archiver struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// New creates an archiver rooted at dir.
func New(dir string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		root:   dir,
		logger: logger.With("component", "archive"),
		now:    time.Now,
	}
}

// Root returns the archive root directory.
func (a *Archiver) Root() string {
	return a.root
}

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// Slug turns a class identifier into a safe single path component.
func Slug(s string) string {
	s = strings.ToLower(RemoveDiacritics(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case r == '_' || r == '.':
			if b.Len() > 0 {
				b.WriteRune('_')
			}
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteRune('-')
				dash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-_")
	if out == "" {
		return unassignedDir
	}
	return out
}

// Archive encodes the crop as JPEG and writes it atomically.
func (a *Archiver) Archive(ctx context.Context, sessionID int64, classID string, crop image.Image) (Record, error) {
	if crop == nil || crop.Bounds().Empty() {
		return Record{}, ErrEmptyCrop
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	data, err := imaging.EncodeJPEG(crop, jpegQuality)
	if err != nil {
		return Record{}, fmt.Errorf("encode crop: %w", err)
	}

	detected := a.now()
	rel := filepath.Join(dirName, Slug(classID), strconv.FormatInt(sessionID, 10),
		fmt.Sprintf("%s%d_%s_%s.jpg", filePrefix, sessionID, detected.Format(timeLayout), uuid.NewString()[:8]))
	path := filepath.Join(a.root, rel)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Record{}, fmt.Errorf("create archive dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Record{}, fmt.Errorf("write crop: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Record{}, fmt.Errorf("store crop: %w", err)
	}

	a.logger.Info("unknown face archived", "session_id", sessionID, "ref", rel, "size", len(data))
	return Record{
		SessionID:  sessionID,
		ClassID:    classID,
		Ref:        filepath.ToSlash(rel),
		DetectedAt: detected,
		Size:       int64(len(data)),
	}, nil
}

// List returns the archived faces of a session, oldest first.
func (a *Archiver) List(sessionID int64) ([]Record, error) {
	pattern := filepath.Join(a.root, dirName, "*", strconv.FormatInt(sessionID, 10), filePrefix+"*.jpg")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}

	records := make([]Record, 0, len(paths))
	for _, p := range paths {
		rec, ok := parseRecord(a.root, p, sessionID)
		if !ok {
			continue
		}
		if info, err := os.Stat(p); err == nil {
			rec.Size = info.Size()
		}
		records = append(records, rec)
	}
	slices.SortFunc(records, func(x, y Record) int {
		if c := x.DetectedAt.Compare(y.DetectedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.Ref, y.Ref)
	})
	return records, nil
}

// Open returns the contents of an archived crop by its reference.
func (a *Archiver) Open(ref string) ([]byte, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") || !strings.HasPrefix(clean, dirName+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	data, err := os.ReadFile(filepath.Join(a.root, clean))
	if err != nil {
		return nil, fmt.Errorf("read archived crop: %w", err)
	}
	return data, nil
}

func parseRecord(root, path string, sessionID int64) (Record, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Record{}, false
	}
	name := strings.TrimSuffix(filepath.Base(path), ".jpg")
	rest, ok := strings.CutPrefix(name, filePrefix+strconv.FormatInt(sessionID, 10)+"_")
	if !ok || len(rest) < len(timeLayout) {
		return Record{}, false
	}
	ts, err := time.ParseInLocation(timeLayout, rest[:len(timeLayout)], time.Local)
	if err != nil {
		return Record{}, false
	}
	return Record{
		SessionID:  sessionID,
		ClassID:    filepath.Base(filepath.Dir(filepath.Dir(path))),
		Ref:        filepath.ToSlash(rel),
		DetectedAt: ts,
	}, true
}
