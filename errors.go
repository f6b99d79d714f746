package jpeg

import "github.com/pkg/errors"

// Error kinds, per the decoder's error taxonomy. Every error the decoder
// returns wraps exactly one of these with errors.Wrap/Wrapf so callers can
// classify a failure with errors.Is while still getting wrapped position
// context from Error().
var (
	ErrTruncated       = errors.New("jpeg: truncated input")
	ErrInvalidMarker   = errors.New("jpeg: invalid or misaligned marker")
	ErrInvalidHuffman  = errors.New("jpeg: invalid huffman code")
	ErrInvalidArith    = errors.New("jpeg: invalid arithmetic decoder state")
	ErrUnsupportedMode = errors.New("jpeg: unsupported mode")
	ErrInvalidTable    = errors.New("jpeg: invalid table")
	ErrShapeMismatch   = errors.New("jpeg: shape mismatch")
)
