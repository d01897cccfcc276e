// Package protocol owns the netmsg wire contract.
//
// One frame on the wire:
//
//	[1 byte opcode tag]
//	[2 bytes label length L, big-endian][L bytes label]
//	[8 bytes file length F, big-endian][F bytes file]
//
// Labels are at most 65535 bytes. Decoding off a connection runs under one
// deadline shared by every field of the frame and is all-or-nothing.
package protocol
