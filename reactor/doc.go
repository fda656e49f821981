// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded, single-consumer event loop
// each driver runs (spec.md §4.6, C7): named event sources (control pipe,
// network binding, timer) feed a shared channel that one goroutine drains in
// strict order, dispatching to a driver-supplied callback with each callback
// invocation panic-isolated so a bug in one source cannot take the reactor
// down.
package reactor
