// Package ssam is the host side of the serial hub: it owns the link to the
// embedded aggregator controller, multiplexes requests from concurrently
// running peripheral clients and fans out unsolicited events to them.
//
// A Controller is created on top of an open port, started, and published
// with Set. Peripheral clients acquire a handle with Bind, submit requests
// through it and register Notifiers for the events they care about.
package ssam
