// Package daemon coordinates the long-running upsrouter process.
//
// It owns the UPS-RS REST surface, a flock-based lock that prevents two
// daemons from sharing one data directory, and the shutdown sequence: stop
// accepting requests, drain in-flight pipeline runs, release the lock.
//
// Handlers stay thin. Workitem semantics live in package ups, persistence in
// workitems and subscriptions, and pipeline execution in processor.
package daemon
