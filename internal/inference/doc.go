// Package inference talks to the AI model backend.
//
// Client.Analyze posts the workitem's retrieval locations to
// {model_url}/analyze/mri and parses the JSON verdict. DetectFormat tells a
// bilateral classification apart from one that also carries an attention
// heatmap volume.
package inference
