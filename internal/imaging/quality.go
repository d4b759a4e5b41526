package imaging

import (
	"errors"
	"image"
	"strings"

	"github.com/kozaktomas/classroll/internal/constants"
	"golang.org/x/image/draw"
)

// ErrQualityRejected matches every *QualityError.
var ErrQualityRejected = errors.New("quality rejected")

// Reason names a failed frame quality check.
type Reason string

// Reason constants.
const (
	ReasonResolutionTooLow  Reason = "resolution_too_low"
	ReasonResolutionTooHigh Reason = "resolution_too_high"
	ReasonTooDark           Reason = "too_dark"
	ReasonTooBright         Reason = "too_bright"
	ReasonTooBlurry         Reason = "too_blurry"
)

// Bounds are the acceptance limits of the frame validator.
// Brightness limits are exclusive, blur is a strict lower bound.
type Bounds struct {
	MinWidth      int
	MinHeight     int
	MaxWidth      int
	MaxHeight     int
	MinBrightness float64
	MaxBrightness float64
	MinBlurScore  float64
}

// DefaultBounds returns the standard classroom camera limits.
func DefaultBounds() Bounds {
	return Bounds{
		MinWidth:      constants.MinFrameWidth,
		MinHeight:     constants.MinFrameHeight,
		MaxWidth:      constants.MaxFrameWidth,
		MaxHeight:     constants.MaxFrameHeight,
		MinBrightness: constants.MinBrightness,
		MaxBrightness: constants.MaxBrightness,
		MinBlurScore:  constants.MinBlurScore,
	}
}

// Quality is the result of validating one frame.
type Quality struct {
	Valid      bool     `json:"valid"`
	Reasons    []Reason `json:"reasons,omitempty"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Brightness float64  `json:"brightness"`
	BlurScore  float64  `json:"blur_score"`
}

// QualityError is returned for frames that decode but fail quality checks.
type QualityError struct {
	Quality Quality
}

func (e *QualityError) Error() string {
	reasons := make([]string, len(e.Quality.Reasons))
	for i, r := range e.Quality.Reasons {
		reasons[i] = string(r)
	}
	return "frame quality rejected: " + strings.Join(reasons, ", ")
}

// Is makes errors.Is(err, ErrQualityRejected) work.
func (e *QualityError) Is(target error) bool {
	return target == ErrQualityRejected
}

// Validator checks decoded frames against Bounds. It holds no state and is
// safe for concurrent use.
type Validator struct {
	Bounds Bounds
}

// NewValidator creates a validator with the given bounds.
func NewValidator(b Bounds) *Validator {
	return &Validator{Bounds: b}
}

// Validate measures the frame and lists every failed check.
func (v *Validator) Validate(img image.Image) Quality {
	b := img.Bounds()
	q := Quality{Width: b.Dx(), Height: b.Dy()}

	if q.Width < v.Bounds.MinWidth || q.Height < v.Bounds.MinHeight {
		q.Reasons = append(q.Reasons, ReasonResolutionTooLow)
	} else if q.Width > v.Bounds.MaxWidth || q.Height > v.Bounds.MaxHeight {
		q.Reasons = append(q.Reasons, ReasonResolutionTooHigh)
	}

	gray := toGray(img, constants.BlurAnalysisMaxWidth)
	q.Brightness = meanLuma(gray)
	q.BlurScore = laplacianVariance(gray)

	if q.Brightness <= v.Bounds.MinBrightness {
		q.Reasons = append(q.Reasons, ReasonTooDark)
	} else if q.Brightness >= v.Bounds.MaxBrightness {
		q.Reasons = append(q.Reasons, ReasonTooBright)
	}
	if q.BlurScore <= v.Bounds.MinBlurScore {
		q.Reasons = append(q.Reasons, ReasonTooBlurry)
	}

	q.Valid = len(q.Reasons) == 0
	return q
}

// ValidateBytes decodes and validates a frame. It returns an error wrapping
// ErrDecode for undecodable data and a *QualityError for rejected frames.
// Frames whose header declares more pixels than the bounds allow are
// rejected before the pixels are decoded.
func (v *Validator) ValidateBytes(data []byte) (image.Image, Quality, error) {
	cfg, _, err := DecodeConfig(data)
	if err != nil {
		return nil, Quality{}, err
	}
	if cfg.Width > v.Bounds.MaxWidth || cfg.Height > v.Bounds.MaxHeight {
		q := Quality{
			Width:   cfg.Width,
			Height:  cfg.Height,
			Reasons: []Reason{ReasonResolutionTooHigh},
		}
		return nil, q, &QualityError{Quality: q}
	}

	img, _, err := Decode(data)
	if err != nil {
		return nil, Quality{}, err
	}
	q := v.Validate(img)
	if !q.Valid {
		return img, q, &QualityError{Quality: q}
	}
	return img, q, nil
}

// toGray converts an image to 8-bit grayscale, downscaling it first when it is
// wider than maxWidth.
func toGray(img image.Image, maxWidth int) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxWidth > 0 && w > maxWidth {
		h = max(1, h*maxWidth/w)
		w = maxWidth
	}
	gray := image.NewGray(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(gray, gray.Bounds(), img, b, draw.Src, nil)
	}
	return gray
}

// meanLuma returns the average pixel value (0-255).
func meanLuma(g *image.Gray) float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	var sum float64
	w, h := g.Rect.Dx(), g.Rect.Dy()
	for y := range h {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for _, p := range row {
			sum += float64(p)
		}
	}
	return sum / float64(w*h)
}

// laplacianVariance returns the variance of the 4-neighbour Laplacian over the
// interior pixels. Sharp frames have strong edges and a high variance.
func laplacianVariance(g *image.Gray) float64 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := float64(g.Pix[y*g.Stride+x])
			lap := float64(g.Pix[(y-1)*g.Stride+x]) + float64(g.Pix[(y+1)*g.Stride+x]) +
				float64(g.Pix[y*g.Stride+x-1]) + float64(g.Pix[y*g.Stride+x+1]) - 4*c
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
