// Package relay is the transport-independent core of coven-relay.
//
// A host is an identity that receives messages; guests send to a host once the
// host has approved them. Every connected client is a Session in the Registry,
// keyed by role and identity, so a host and a guest may share an id.
//
// # Session lifecycle
//
// Handler.Serve drives one channel. Hosts authenticate first (trust on first
// use: the first non-empty password for a host id becomes its credential),
// then receive their queued offline messages followed by their permission
// lists. Guests are registered immediately. Frames are decoded into closed
// per-role event sets and handed to the Router. A failed event answers the
// sender with a generic error event and the channel stays open.
//
// # Verification
//
// Workflow keeps two lists per host, allowed and pending. A guest's
// verifyRequest lands it in pending; the host answers with allowGuest or
// rejectGuest and can later revoke with removeGuest. Only allowed guests' messages are delivered;
// messages for an absent host go to the OfflineQueue and are drained on the
// host's next login.
//
// All read-modify-write sequences for one host id are serialized by a keyed
// lock, so concurrent approvals and enqueues never lose updates.
package relay
