// Package chunksync delivers chunk snapshots from the authoritative server
// to clients over chunkData streams.
//
// Every packet is a full snapshot of one chunk tagged with a revision that
// the server's Store bumps on each change. Receivers keep the highest
// revision applied per position in a RevisionTracker and drop anything not
// newer, so packets may arrive on any number of streams in any order.
//
// Server side, one Sender per player remembers which revision the player
// holds, skips packets it already has, and spreads the rest over a fixed
// set of streams by position hash. A position always uses the same stream,
// so its packets stay ordered in transit as well.
package chunksync
