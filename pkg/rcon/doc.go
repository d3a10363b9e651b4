/*
Package rcon implements the Source-style remote console protocol ARK servers
expose for admin commands.

The wire format is length-prefixed binary packets over TCP:

	[u32 length][u32 requestId][u32 type][payload][0x00 0x00]

all little-endian, where length counts everything after itself. A session
authenticates once (type 3) and then execs commands (type 2); the server
signals a bad password by answering with requestId 0xFFFFFFFF.

Callers treat the console as a best-effort channel. Available collapses
connect, auth and timeout failures into a single boolean so lifecycle
operations can skip the graceful path without branching on error kinds.
*/
package rcon
