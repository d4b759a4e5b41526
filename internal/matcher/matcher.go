// Package matcher compares detected face embeddings against a class roster.
package matcher

import (
	"github.com/kozaktomas/classroll/internal/constants"
	"github.com/kozaktomas/classroll/internal/database"
	"github.com/kozaktomas/classroll/internal/faceclient"
	"github.com/kozaktomas/classroll/internal/roster"
)

// duplicateIoU is the overlap above which two detections in one frame are
// treated as the same face.
const duplicateIoU = 0.6

// Outcome classifies one detected face.
type Outcome string

// Outcome constants.
const (
	OutcomeRecognized   Outcome = "recognized"
	OutcomeNoMatch      Outcome = "no_match"
	OutcomeFaceTooSmall Outcome = "face_too_small"
)

// Result is the best roster match for one embedding. A non-match is a
// normal result with Matched false, not an error.
type Result struct {
	StudentID  string  `json:"student_id,omitempty"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
	Matched    bool    `json:"matched"`
}

// FaceResult pairs a detection with its outcome.
type FaceResult struct {
	Detection faceclient.Detection
	Outcome   Outcome
	Result    Result
}

// Matcher holds the matching parameters. It has no mutable state and is safe
// for concurrent use; settings changes create a new Matcher.
type Matcher struct {
	Threshold   float64 // maximum accepted distance in [0, 1]
	MinFaceSize int     // minimum bbox width and height in pixels
	MaxFaces    int     // detections beyond this many per frame are ignored
	Candidates  int     // nearest templates fetched from an indexed roster
}

// New creates a matcher.
func New(threshold float64, minFaceSize, maxFaces int) *Matcher {
	if maxFaces <= 0 {
		maxFaces = constants.MaxFacesPerFrame
	}
	return &Matcher{
		Threshold:   threshold,
		MinFaceSize: minFaceSize,
		MaxFaces:    maxFaces,
		Candidates:  constants.RosterIndexCandidates,
	}
}

// Match finds the template with the minimum distance across every student of
// the roster. On equal distances the first one found in roster order wins.
func (m *Matcher) Match(embedding []float32, r *roster.Roster) Result {
	best := Result{Distance: 1}
	if r.Empty() || len(embedding) == 0 {
		return best
	}

	found := false
	consider := func(e *roster.Entry) {
		for _, tpl := range e.Templates {
			d := database.MatchDistance(embedding, tpl)
			if !found || d < best.Distance {
				best.Distance = d
				best.StudentID = e.StudentID
				found = true
			}
		}
	}

	if cands := r.Candidates(embedding, m.Candidates); cands != nil {
		for _, i := range cands {
			consider(&r.Entries[i])
		}
	} else {
		for i := range r.Entries {
			consider(&r.Entries[i])
		}
	}

	best.Confidence = clamp01(1 - best.Distance)
	best.Matched = found && best.Distance <= m.Threshold
	if !best.Matched {
		best.StudentID = ""
	}
	return best
}

// MatchFaces classifies every detection of one frame independently.
// Overlapping duplicate detections are collapsed into the first one.
func (m *Matcher) MatchFaces(dets []faceclient.Detection, r *roster.Roster) []FaceResult {
	var kept []faceclient.Detection
	for _, d := range dets {
		if len(kept) == m.MaxFaces {
			break
		}
		dup := false
		for _, k := range kept {
			if k.BBox.IoU(d.BBox) > duplicateIoU {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, d)
		}
	}

	results := make([]FaceResult, 0, len(kept))
	for _, d := range kept {
		fr := FaceResult{Detection: d}
		if m.tooSmall(d) {
			fr.Outcome = OutcomeFaceTooSmall
			results = append(results, fr)
			continue
		}
		fr.Result = m.Match(d.Embedding, r)
		if fr.Result.Matched {
			fr.Outcome = OutcomeRecognized
		} else {
			fr.Outcome = OutcomeNoMatch
		}
		results = append(results, fr)
	}
	return results
}

func (m *Matcher) tooSmall(d faceclient.Detection) bool {
	limit := float64(m.MinFaceSize)
	return d.BBox.Width() < limit || d.BBox.Height() < limit
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
