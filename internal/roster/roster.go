// Package roster caches the biometric templates of each class so matching
// never has to go back to the database for a known class.
package roster

import (
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/kozaktomas/classroll/internal/database"
)

// Entry holds every usable template of one student.
type Entry struct {
	StudentID  string
	Templates  [][]float32
	SourceHash string
}

// Roster is an immutable snapshot of a class's templates in student order.
type Roster struct {
	ClassID  string
	Version  string
	Entries  []Entry
	LoadedAt time.Time
	Skipped  int // templates dropped as undecodable

	// flat maps index node keys back to entries
	flat  []int
	index *database.HNSWIndex
}

// Empty returns true if the roster has no usable templates.
func (r *Roster) Empty() bool {
	return r == nil || len(r.Entries) == 0
}

// Students returns the number of students with at least one template.
func (r *Roster) Students() int {
	return len(r.Entries)
}

// Templates returns the total number of templates.
func (r *Roster) Templates() int {
	n := 0
	for _, e := range r.Entries {
		n += len(e.Templates)
	}
	return n
}

// Indexed returns true if the roster carries an approximate candidate index.
func (r *Roster) Indexed() bool {
	return r.index != nil
}

// Candidates returns the entry positions (ascending, so roster order is kept)
// whose templates are among the k nearest to the query. It returns nil when
// the roster is not indexed or the search fails; callers then scan every entry.
func (r *Roster) Candidates(query []float32, k int) []int {
	if r.index == nil {
		return nil
	}
	keys, err := r.index.Search(query, k)
	if err != nil || len(keys) == 0 {
		return nil
	}
	entries := make([]int, 0, len(keys))
	for _, key := range keys {
		if key >= 0 && key < len(r.flat) {
			entries = append(entries, r.flat[key])
		}
	}
	slices.Sort(entries)
	return slices.Compact(entries)
}

// New builds a roster snapshot outside of a Cache, e.g. for one-off matching.
// An indexThreshold of 0 or less disables the candidate index.
func New(classID, version string, templates []database.StudentTemplate, indexThreshold int) *Roster {
	return build(classID, version, templates, 0, indexThreshold, slog.Default())
}

// validVector reports whether a template is usable for matching.
func validVector(vec []float32, dim int) bool {
	if len(vec) == 0 || (dim > 0 && len(vec) != dim) {
		return false
	}
	var norm float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		norm += f * f
	}
	return norm > 0
}

// build groups templates by student, keeping store order, and drops undecodable
// ones with a warning. When dim is 0 the first usable template fixes it.
func build(classID, version string, templates []database.StudentTemplate, dim, indexThreshold int, logger *slog.Logger) *Roster {
	r := &Roster{
		ClassID:  classID,
		Version:  version,
		LoadedAt: time.Now(),
	}

	pos := make(map[string]int)
	var vectors [][]float32
	for _, t := range templates {
		if dim == 0 && validVector(t.Embedding, 0) {
			dim = len(t.Embedding)
		}
		if !validVector(t.Embedding, dim) {
			r.Skipped++
			logger.Warn("skipping undecodable template",
				"class_id", classID, "student_id", t.StudentID, "template_id", t.ID, "dim", len(t.Embedding))
			continue
		}
		i, ok := pos[t.StudentID]
		if !ok {
			i = len(r.Entries)
			pos[t.StudentID] = i
			r.Entries = append(r.Entries, Entry{StudentID: t.StudentID, SourceHash: t.SourceHash})
		}
		r.Entries[i].Templates = append(r.Entries[i].Templates, t.Embedding)
		r.flat = append(r.flat, i)
		vectors = append(vectors, t.Embedding)
	}

	if indexThreshold > 0 && len(vectors) > indexThreshold {
		r.index = database.NewHNSWIndex()
		r.index.Build(vectors)
	} else {
		r.flat = nil
	}
	return r
}
