// Package upsclient talks to a running upsrouter over its UPS-RS surface.
//
// The CLI uses it to inspect and drive the local daemon. A requesting node
// uses Submit to hand a study to a remote router and subscribe itself to the
// resulting workitem, after which the router pushes state snapshots back to
// the node's own POST /ups-rs/workitems/{uid} endpoint.
package upsclient
