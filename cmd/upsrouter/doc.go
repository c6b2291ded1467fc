// Package main hosts the upsrouter CLI entrypoint and command graph.
//
// The Cobra command tree runs the daemon (`serve`), inspects and drives
// workitems over the UPS-RS API, hands studies to remote routers (`submit`)
// and scaffolds configuration. Configuration resolution and client
// construction live in commandContext so subcommands stay declarative.
package main
