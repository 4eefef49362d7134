// Package transport provides the byte-oriented transport the packet
// transmission layer frames its packets over.
package transport

import "io"

// Transport is anything the ptl package can read frames from and write
// frames to. *Serial and a pty pair both satisfy it.
type Transport interface {
	io.ReadWriter
	io.Closer
}
