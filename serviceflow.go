// Package serviceflow provides a top-level convenience entry point for wiring
// a discovery stack with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/serviceflow"
//
//	s, err := serviceflow.New()
//	s, err := serviceflow.New(serviceflow.WithEndpoints("http://peer:8080/discover"))
//	s, err := serviceflow.New(serviceflow.WithRemoteNode("peer.internal", 8080))
//
// This is a thin wrapper around [quick.New]; both produce identical results.
// Use this package when you prefer the shorter import path.
package serviceflow

import (
	"github.com/BaSui01/serviceflow/quick"
)

// Option configures the stack created by [New].
type Option = quick.Option

// Stack bundles the wired discovery components.
type Stack = quick.Stack

// New wires a discovery stack with minimal configuration. With no options it
// yields a standalone registry and matcher; remote endpoints add a poller.
func New(opts ...Option) (*Stack, error) {
	return quick.New(opts...)
}

// Re-export option shortcuts so callers never need to import quick/.

// WithEndpoints sets the remote discovery endpoint URLs to poll.
var WithEndpoints = quick.WithEndpoints

// WithRemoteNode points the stack at a single remote node.
var WithRemoteNode = quick.WithRemoteNode

// WithRefreshInterval sets the poll cadence and enables auto refresh.
var WithRefreshInterval = quick.WithRefreshInterval

// WithAutoRefresh enables or disables background polling.
var WithAutoRefresh = quick.WithAutoRefresh

// WithSnapshotStore sets the snapshot store backing the poller.
var WithSnapshotStore = quick.WithSnapshotStore

// WithMatcherConfig overrides the capability scoring weights.
var WithMatcherConfig = quick.WithMatcherConfig

// WithLogger sets a custom zap logger.
var WithLogger = quick.WithLogger
