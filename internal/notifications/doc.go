// Package notifications pushes UPS workitem snapshots to subscribers.
//
// After every persisted state change the processor calls NotifyAll, which
// resolves subscribers through the subscription registry and POSTs the DICOM
// JSON workitem to {subscriber}/ups-rs/workitems/{uid}. Delivery is best
// effort: a failing subscriber is logged and never blocks the others or the
// pipeline. When an EventPublisher is configured the same snapshot is mirrored
// onto the message bus.
package notifications
