// Package artifacts encodes inference results as DICOM Part 10 objects: a
// Comprehensive SR summarizing per-side findings and, for heatmap responses,
// a multi-frame Secondary Capture registered to the source series.
package artifacts
