// Package api defines the JSON request and response bodies of the UPS-RS
// REST surface, shared by the daemon handlers and the HTTP client.
//
// Workitems themselves travel as DICOM JSON (see package ups); the types here
// cover the plain JSON envelopes around them plus a flattened WorkitemSummary
// used by command-line views.
package api
