// Package datagram carries latest-value-wins updates over a session's
// unreliable datagrams.
//
// A Publisher numbers the datagrams of each channel. On the receiving side
// an Ingester decodes every datagram and offers it to a Table, which keeps
// only the highest sequence number seen per channel; anything older, a
// duplicate, or undecodable is dropped without error.
package datagram
