/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package base

import (
	"sync/atomic"
)

// WeakFactory hands out non-owning references to a single owned object.
// When the factory is invalidated (typically in the owner's teardown) all
// outstanding references observe nil. References are sequence checked:
// a reference minted before an Invalidate/Reset cycle never resolves to
// the new object.
type WeakFactory[T any] struct {
	gen atomic.Uint64
	obj atomic.Pointer[T]
}

type WeakRef[T any] struct {
	fac *WeakFactory[T]
	gen uint64
}

func NewWeakFactory[T any](obj *T) *WeakFactory[T] {
	f := &WeakFactory[T]{}
	f.obj.Store(obj)
	f.gen.Store(1)
	return f
}

// GetWeakRef mints a reference tied to the current generation.
func (f *WeakFactory[T]) GetWeakRef() WeakRef[T] {
	return WeakRef[T]{fac: f, gen: f.gen.Load()}
}

// Invalidate clears the object; all outstanding references go nil.
func (f *WeakFactory[T]) Invalidate() {
	f.gen.Add(1)
	f.obj.Store(nil)
}

// Reset re-arms the factory with a new object under a new generation.
func (f *WeakFactory[T]) Reset(obj *T) {
	f.gen.Add(1)
	f.obj.Store(obj)
}

// Get returns the owned object, or nil if the factory has been
// invalidated or rearmed since this reference was minted.
func (r WeakRef[T]) Get() *T {
	if r.fac == nil || r.fac.gen.Load() != r.gen {
		return nil
	}
	return r.fac.obj.Load()
}
