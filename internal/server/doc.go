// Package server exposes GoChat over HTTP. It serves the /ws WebSocket
// endpoint that feeds realtime sessions, plus an authenticated JSON API for
// messages and groups.
//
// Each WebSocket connection is a Client with a read pump and a write pump.
// The realtime hub only ever queues frames on a client; the write pump owns
// the socket.
package server
