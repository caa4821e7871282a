package msgloc

import "github.com/axiomq/store/internal/store/msgid"

// Selector holds the currently active Index backend and implements the
// atomic mode-switch of spec.md §4.B: "Switching mode is atomic: copy all
// entries, delete source, flip the selector." All calls are made from the
// single store coordinator goroutine (spec.md §5), so Selector itself needs
// no internal locking; it exists only to make the swap a single call site.
type Selector struct {
	Index
}

// NewSelector wraps an initial backend.
func NewSelector(idx Index) *Selector {
	return &Selector{Index: idx}
}

// SwitchTo copies every entry of the current backend into |next|, closes the
// current backend, and flips the selector to |next|. It is the caller's
// responsibility (the store coordinator) to ensure no other operation
// observes the index mid-switch; spec.md's single-writer model guarantees
// this without additional locking here.
func (s *Selector) SwitchTo(next Index) error {
	var copyErr error
	if err := s.Index.Each(func(id msgid.ID, l Loc) bool {
		if err := next.Insert(id, l); err != nil {
			copyErr = err
			return false
		}
		return true
	}); err != nil {
		return err
	}
	if copyErr != nil {
		return copyErr
	}

	var old = s.Index
	s.Index = next
	return old.Close()
}
