// Copyright 2023-2024 The livewire Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connection

import (
	"math"
	"math/rand"
	"time"
)

// backoffPolicy exponential retry delay with jitter, bounded by a cap.
// Jitter stays below half the base delay, which keeps the delay sequence
// non-decreasing up to the cap.
type backoffPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// delayFor the wait before retry number `attempt` (zero based)
func (b backoffPolicy) delayFor(attempt uint) time.Duration {
	jitter := time.Duration(rand.Float64() * float64(b.baseDelay) * 0.5)
	return time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(b.maxDelay),
	))
}
