// Package events mirrors workitem lifecycle changes onto NATS so that
// consumers other than HTTP subscribers can follow inference progress.
package events
