// Package keylock implements striped, context-aware mutual exclusion keyed
// by arbitrary names.
//
// Distinct names may share a stripe and therefore contend with each other,
// but a name always maps to the same stripe, so holders of the same name are
// always serialized. Callers that take two locks at once must take them from
// two different Striped instances, always in the same order.
package keylock

import (
	"context"
	"encoding/binary"

	sha256 "github.com/minio/sha256-simd"
)

// DefaultStripes is used when New is given a non-positive stripe count.
const DefaultStripes = 1024

// Striped is a fixed table of mutexes selected by hashing a name.
type Striped struct {
	stripes []chan struct{}
}

// New allocates a Striped lock table with n stripes.
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	s := &Striped{stripes: make([]chan struct{}, n)}
	for i := range s.stripes {
		s.stripes[i] = make(chan struct{}, 1)
	}
	return s
}

func (s *Striped) index(name string) int {
	sum := sha256.Sum256([]byte(name))
	return int(binary.BigEndian.Uint32(sum[:4]) % uint32(len(s.stripes)))
}

// Lock blocks until the stripe for name is held or ctx is done. The returned
// function releases the stripe and must be called exactly once.
func (s *Striped) Lock(ctx context.Context, name string) (func(), error) {
	stripe := s.stripes[s.index(name)]
	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
