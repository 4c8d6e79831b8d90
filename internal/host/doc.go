// Package host is the local stand-in for the documentation platform. It
// evaluates trigger events against the registered analyzers, runs
// synchronous analyzers inline, queues asynchronous ones as jobs for a
// worker pool and executes scriptable plugin methods by name.
package host
