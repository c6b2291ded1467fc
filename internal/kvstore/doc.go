// Package kvstore provides the bucketed key-value persistence used for
// workitems and subscriptions.
//
// Three backends implement Store: SQLite (the default, one file under the data
// directory), PostgreSQL (shared by several router processes) and an in-memory
// map for tests. Update is the only multi-step primitive; callers that keep
// derived records such as the workitem index must go through it.
package kvstore
