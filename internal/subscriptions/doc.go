// Package subscriptions stores UPS notification subscriptions: per-workitem
// subscribers keyed by workitem and URL, plus a global list applied to every
// workitem.
package subscriptions
