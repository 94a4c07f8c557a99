// Copyright 2025 The Cmdbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admission

// CheckConcurrency reports whether a slot is currently available,
// without taking one.
func (l *Limiter) CheckConcurrency() bool {
	if !l.cfg.Enabled {
		return true
	}
	return l.current.Load() < l.cfg.MaxConcurrent
}

// AcquireConcurrency takes an in-flight slot if one is free. Every
// successful acquire must be paired with ReleaseConcurrency.
func (l *Limiter) AcquireConcurrency() bool {
	if !l.cfg.Enabled {
		return true
	}
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.current.Add(1)
	return true
}

// ReleaseConcurrency returns an in-flight slot. An unpaired release is
// a bug in the caller: it is logged and clamped at zero instead of
// driving the counter negative, which would quietly lift the
// concurrency cap.
func (l *Limiter) ReleaseConcurrency() {
	if !l.cfg.Enabled {
		return
	}
	for {
		cur := l.current.Load()
		if cur <= 0 {
			l.logger.Error("concurrency slot released more times than acquired, clamping at zero")
			return
		}
		if l.current.CompareAndSwap(cur, cur-1) {
			l.sem.Release(1)
			return
		}
	}
}

// InFlight returns the number of operations currently holding a slot.
func (l *Limiter) InFlight() int64 {
	return l.current.Load()
}
