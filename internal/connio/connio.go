// Package connio owns the single release point every transport calls
// exactly once per connection: closing the client socket, closing the
// open file (if any), and returning the scratch buffer to its pool. Each
// of those three steps is independent of the other two, so a failure in
// one must not suppress or mask a failure in another — they are
// aggregated with hashicorp/go-multierror rather than the first-error-wins
// pattern a plain `if err != nil { return err }` chain would produce.
package connio

import (
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/blockserve/blockserve/internal/buffer"
)

// Teardown releases everything a connection holds. clientFD and fileFD may
// be -1 to indicate "nothing to close" (fileFD is -1 whenever the request
// never got past header parsing). buf may be nil.
func Teardown(pool *buffer.Pool, buf *buffer.Aligned, clientFD, fileFD int) error {
	var result *multierror.Error

	if fileFD >= 0 {
		if err := unix.Close(fileFD); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if clientFD >= 0 {
		if err := unix.Close(clientFD); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if pool != nil {
		pool.Put(buf)
	}

	return result.ErrorOrNil()
}
