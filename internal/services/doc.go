// Package services defines shared utilities consumed by the workitem pipeline,
// the REST surface and the outbound HTTP integrations.
//
// Key responsibilities:
//   - Context helpers that stamp workitem UIDs, stage names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified consistently (HTTP status on the REST surface, cancellation
//     reasons in the pipeline).
//
// Use these helpers when wiring new pipeline logic so operational behaviour
// stays uniform across components.
package services
