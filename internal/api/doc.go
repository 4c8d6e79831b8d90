// Package api serves the development host over HTTP: procedure storage,
// trigger events, plugin methods, job status and metrics.
package api
