// Package relay implements the client side of the Atrium session relay
// protocol.
//
// Transport owns the message channel to the relay application, tracks its
// readiness handshake, and exposes a single correlated request/reply
// primitive. One Transport is shared by every logical client in the
// process; Client is a thin typed layer mapping the fixed catalog of
// session, setting, and resource operations onto that primitive.
//
// Inbound messages are trusted only when their origin matches the
// configured allow-list; everything else is dropped without ceremony so
// unrelated traffic cannot destabilize the protocol state.
package relay
