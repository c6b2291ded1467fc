// Package ups models UPS (Unified Procedure Step) workitems: the entity, its
// lifecycle state machine and the DICOM JSON codec used on the UPS-RS wire and
// in storage.
//
// A Workitem moves SCHEDULED → IN_PROGRESS → COMPLETED or CANCELED. UpdateState
// enforces that order and rejects progress regressions while IN_PROGRESS.
// Encode and Decode are inverse for any workitem built by New or Decode.
package ups
