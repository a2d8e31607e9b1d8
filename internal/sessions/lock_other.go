//go:build !unix

package sessions

import "os"

// lockFile on non-unix platforms falls back to create-only semantics; the
// in-process mutex still serializes writers within one gateway.
func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return func() { f.Close() }, nil
}
