package guard

import "sync/atomic"

// Generation is a monotonic token used to discard superseded results.
//
// A component bumps the generation whenever the context an asynchronous
// operation was started for stops being current (sign-out, reload, a newer
// request). The operation captures the token at start and the result is
// applied only if the token is still current when it arrives.
//
// Thread-safety: Generation is safe for concurrent use.
type Generation struct {
	seq atomic.Uint64
}

// Next advances the generation and returns the new token.
func (g *Generation) Next() uint64 {
	return g.seq.Add(1)
}

// Current returns the current token without advancing it.
func (g *Generation) Current() uint64 {
	return g.seq.Load()
}

// IsCurrent reports whether token is still the latest generation.
func (g *Generation) IsCurrent(token uint64) bool {
	return g.seq.Load() == token
}
