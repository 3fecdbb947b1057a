// Package server implements the rendezvous engine and the UDP server that
// drives it.
//
// Every datagram and every expiration sweep is handled on one event loop
// goroutine, so the client registry has a single writer. The admin HTTP
// server only reads registry snapshots.
package server
