// Package msgs defines the messages exchanged over the bridge.
//
// Every packet is a Typed envelope carrying a protobuf encoded message
// identified by its type id. Commands are replied with the same sequence
// number, events are never replied.
package msgs
