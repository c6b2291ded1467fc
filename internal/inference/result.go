package inference

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Format names the shape of a model response.
type Format string

const (
	// FormatBilateral carries per-side classification only.
	FormatBilateral Format = "bilateral"
	// FormatBilateralWithHeatmap adds a volumetric attention overlay.
	FormatBilateralWithHeatmap Format = "bilateral_with_heatmap"
)

// ErrUnknownFormat is returned when a response has neither side results nor
// attention maps.
var ErrUnknownFormat = errors.New("unknown response format")

// SideResult is the classification of one side. Error is set instead of
// Prediction when the model could not analyze that side.
type SideResult struct {
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// Malignant reports whether the prediction maps to a malignant finding.
func (s SideResult) Malignant() bool {
	return s.Prediction == "Cancerous"
}

// AttentionMaps is a base64 RGB overlay volume shaped [frames, rows, cols, 3].
type AttentionMaps struct {
	Data  string `json:"data"`
	Shape []int  `json:"shape"`
	Dtype string `json:"dtype"`
}

// Volume is a decoded attention overlay.
type Volume struct {
	Frames  int
	Rows    int
	Columns int
	Samples int
	Pixels  []byte
}

// HasData reports whether the overlay carries pixel data.
func (a *AttentionMaps) HasData() bool {
	return a != nil && strings.TrimSpace(a.Data) != ""
}

// Decode validates and decodes the overlay. Only uint8 RGB volumes are
// accepted.
func (a *AttentionMaps) Decode() (*Volume, error) {
	if !a.HasData() {
		return nil, errors.New("attention maps carry no data")
	}
	if a.Dtype != "" && a.Dtype != "uint8" {
		return nil, fmt.Errorf("unsupported attention map dtype %q", a.Dtype)
	}
	if len(a.Shape) != 4 {
		return nil, fmt.Errorf("attention map shape %v: want [frames, rows, cols, samples]", a.Shape)
	}
	if slices.ContainsFunc(a.Shape, func(v int) bool { return v <= 0 }) {
		return nil, fmt.Errorf("attention map shape %v has a non-positive dimension", a.Shape)
	}
	if a.Shape[3] != 3 {
		return nil, fmt.Errorf("attention map has %d samples per pixel, want 3", a.Shape[3])
	}
	pixels, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attention map data: %w", err)
	}
	want := a.Shape[0] * a.Shape[1] * a.Shape[2] * a.Shape[3]
	if len(pixels) != want {
		return nil, fmt.Errorf("attention map has %d bytes, shape %v needs %d", len(pixels), a.Shape, want)
	}
	return &Volume{
		Frames:  a.Shape[0],
		Rows:    a.Shape[1],
		Columns: a.Shape[2],
		Samples: a.Shape[3],
		Pixels:  pixels,
	}, nil
}

// ModelMetadata identifies the model that produced a result.
type ModelMetadata struct {
	ModelName    string `json:"model_name"`
	Architecture string `json:"architecture"`
	Version      string `json:"version"`
}

// Result is a parsed model response.
type Result struct {
	Left          *SideResult
	Right         *SideResult
	AttentionMaps *AttentionMaps
	ModelMetadata *ModelMetadata

	keys []string
}

// Keys lists the top-level keys of the response, sorted.
func (r *Result) Keys() []string { return r.keys }

// Parse decodes a model response body.
func Parse(body []byte) (*Result, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	res := &Result{}
	for key := range raw {
		res.keys = append(res.keys, key)
	}
	slices.Sort(res.keys)

	fields := []struct {
		key    string
		target any
	}{
		{"left", &res.Left},
		{"right", &res.Right},
		{"attention_maps", &res.AttentionMaps},
		{"model_metadata", &res.ModelMetadata},
	}
	for _, field := range fields {
		value, ok := raw[field.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(value, field.target); err != nil {
			return nil, fmt.Errorf("decode %s: %w", field.key, err)
		}
	}
	return res, nil
}

func (r *Result) has(key string) bool {
	_, ok := slices.BinarySearch(r.keys, key)
	return ok
}

// DetectFormat classifies the response. Side results with an attention_maps
// key are a heatmap response; side results alone are bilateral.
func DetectFormat(r *Result) (Format, error) {
	bilateral := r.has("left") || r.has("right")
	switch {
	case bilateral && r.has("attention_maps"):
		return FormatBilateralWithHeatmap, nil
	case bilateral:
		return FormatBilateral, nil
	default:
		return "", fmt.Errorf("%w: keys %v", ErrUnknownFormat, r.keys)
	}
}
