package patch

import "fmt"

// InvalidKeyError reports a flat LoRA key that does not carry the expected
// prefix, or that cannot be resolved to any sub-module once all tokens are
// consumed.
type InvalidKeyError struct {
	Key    string
	Prefix string
	Err    error // non-nil when resolution failed inside the namespace
}

func (e *InvalidKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid lora key %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("invalid lora key %q: missing prefix %q", e.Key, e.Prefix)
}

func (e *InvalidKeyError) Unwrap() error { return e.Err }

// ShapeError reports a delta whose element count does not match the target
// parameter, so no reshape can reconcile them.
type ShapeError struct {
	Key   string // canonical parameter key
	Elems int    // delta element count
	Shape []int  // target parameter shape
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("cannot reshape %d-element delta for %q to %v", e.Elems, e.Key, e.Shape)
}

// MissingAttributeError reports a resolved module that lacks a parameter
// the layer contributes to.
type MissingAttributeError struct {
	Module string // canonical module key
	Name   string // parameter name
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("module %q has no parameter %q", e.Module, e.Name)
}
