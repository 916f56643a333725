package pki

import "fmt"

// DecodeError reports key or certificate material that could not be read or
// parsed. Path is empty when the material did not come from a file.
type DecodeError struct {
	Path string // Source file, if any
	Err  error  // Underlying read or parse failure
}

func (e *DecodeError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("pki: decode %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("pki: decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
