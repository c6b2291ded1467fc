// Package processor runs the workitem pipeline.
//
// A run moves a workitem from SCHEDULED through a fixed sequence of
// IN_PROGRESS checkpoints to COMPLETED, persisting and notifying after every
// step. Any failure, including a panic, ends the run in CANCELED with a
// human-readable reason; nothing is returned to the caller that submitted the
// workitem. Runs execute on a bounded Pool that outlives the HTTP request that
// started them and is drained on daemon shutdown.
package processor
