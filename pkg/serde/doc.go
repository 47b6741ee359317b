// Package serde converts values to and from the typed payloads stored by
// checkpoint stores, encodes the binary message envelope used by the
// messages channel, and handles checkpoint metadata encoding.
package serde
