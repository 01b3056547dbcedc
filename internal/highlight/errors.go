package highlight

import "errors"

var (
	// ErrEmptySelection indicates the selection contained no text after
	// whitespace normalization.
	ErrEmptySelection = errors.New("empty selection")

	// ErrTextNotFound indicates the selected text has no occurrence in the
	// current projection; the interaction must be rejected.
	ErrTextNotFound = errors.New("selected text not found in projection")
)
