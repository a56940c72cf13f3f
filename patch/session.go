// Package patch applies low-rank additive weight deltas to a model's
// parameters in place and guarantees the originals can be restored exactly,
// either at the end of a scoped call or through an explicit restore.
package patch

import (
	"errors"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/lorakit/lorakit/nn"
)

// Session is the bookkeeping of one patch pass: originals saved by this
// session, and keys whose originals live in an externally supplied
// read-only snapshot. A session holds exclusive mutation rights over the
// keys it touches until it is restored; no other session may patch an
// overlapping key set on the same model concurrently.
type Session struct {
	model    *nn.Module
	cached   map[string]*nn.Tensor
	saved    map[string]*nn.Tensor
	touched  map[string]struct{}
	restored bool
}

// Apply patches model in place with each entry's layers, in entry order.
// Later entries are additive on top of earlier ones within the same
// session. Layer keys not starting with prefix are skipped. cached is an
// optional pre-computed snapshot of original values (e.g. shared across
// sessions); it is never written to.
//
// The returned Session is non-nil even when an error is returned: earlier
// layers' deltas are already applied, and the caller decides whether to
// Restore with the partial bookkeeping or treat the model as unusable.
func Apply(model *nn.Module, prefix string, entries []Entry, cached map[string]*nn.Tensor) (*Session, error) {
	s := &Session{
		model:   model,
		cached:  cached,
		saved:   make(map[string]*nn.Tensor),
		touched: make(map[string]struct{}),
	}

	for _, entry := range entries {
		keys := maps.Keys(entry.Layers)
		slices.Sort(keys)

		for _, key := range keys {
			if !strings.HasPrefix(key, prefix) {
				continue
			}

			moduleKey, module, err := Resolve(model, key, prefix)
			if err != nil {
				return s, err
			}

			deltas, err := composeLayer(moduleKey, module, entry.Layers[key], entry.Weight)
			if err != nil {
				return s, err
			}

			paramKeys := maps.Keys(deltas)
			slices.Sort(paramKeys)
			for _, paramKey := range paramKeys {
				if err := s.add(paramKey, deltas[paramKey]); err != nil {
					return s, err
				}
			}

			slog.Debug("patched", "key", key, "module", moduleKey, "weight", entry.Weight)
		}
	}

	return s, nil
}

// add saves the parameter's original value the first time the key is
// touched, then accumulates delta into the live tensor.
func (s *Session) add(paramKey string, delta []float32) error {
	param, err := s.model.Parameter(paramKey)
	if err != nil {
		return err
	}

	if _, ok := s.saved[paramKey]; !ok {
		if _, ok := s.touched[paramKey]; !ok {
			if _, ok := s.cached[paramKey]; ok {
				s.touched[paramKey] = struct{}{}
			} else {
				s.saved[paramKey] = param.Clone()
			}
		}
	}

	return param.Add(delta)
}

// Restore copies every touched parameter's original value back into the
// model: external snapshot entries first, then this session's own saves.
// It fully reverts the session's mutations regardless of how many LoRAs
// were applied; calling it a second time on the same session is an error.
func (s *Session) Restore() error {
	if s.restored {
		return errors.New("patch: session already restored")
	}
	s.restored = true

	for key := range s.touched {
		param, err := s.model.Parameter(key)
		if err != nil {
			return err
		}
		if err := param.CopyFrom(s.cached[key]); err != nil {
			return err
		}
	}

	for key, value := range s.saved {
		param, err := s.model.Parameter(key)
		if err != nil {
			return err
		}
		if err := param.CopyFrom(value); err != nil {
			return err
		}
	}

	return nil
}

// Saved returns the originals saved by this session, keyed by canonical
// parameter key.
func (s *Session) Saved() map[string]*nn.Tensor { return s.saved }

// TouchedCached returns the keys whose originals were found in the external
// snapshot, sorted.
func (s *Session) TouchedCached() []string {
	keys := maps.Keys(s.touched)
	slices.Sort(keys)
	return keys
}

// Patched applies entries for the duration of fn and restores on every exit
// path, including error propagation and panics. fn does not run when the
// apply fails; in that case the partial mutation is restored before the
// apply error is returned.
func Patched(model *nn.Module, prefix string, entries []Entry, cached map[string]*nn.Tensor, fn func() error) (err error) {
	s, aerr := Apply(model, prefix, entries, cached)
	defer func() {
		err = errors.Join(err, s.Restore())
	}()

	if aerr != nil {
		return aerr
	}
	return fn()
}
