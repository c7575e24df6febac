// Package ssh implements the serial hub protocol spoken with the
// embedded aggregator controller.
package ssh

// The protocol is communicated between the host and the embedded
// controller over a peer-to-peer UART and focuses on getting commands
// across reliably without any windowing on the controller side.
//
// Every message starts with the SYN marker (0xAA 0x55), followed by a
// frame header (type, little-endian length, sequence number) protected by
// a CRC-16/CCITT-FALSE checksum, followed by the payload and its own
// checksum. Sequenced data frames must be acknowledged by the receiver,
// an ACK carries the sequence number of the frame it acknowledges, and a
// NAK asks the peer to retransmit.
//
// Data frames carry a command header which addresses a target category,
// target id and instance, and a 16-bit request id correlating responses
// with requests. Request ids 1 to NumEvents are reserved for unsolicited
// events.
//
// Producer: embedded controller (events, responses), host (requests)
// Consumer: host (events, responses), embedded controller (requests)
