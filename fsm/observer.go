// Copyright 2025 go-tradenet
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fsm

import (
	"sync"

	"github.com/google/uuid"
)

// Observer receives state-change notifications. Observers are read-only
// spectators: they get told about committed transitions and have no way to
// mutate the aggregate.
type Observer interface {
	OnStateChanged(id uuid.UUID, from, to State)
}

// ObserverRegistry is an explicit registry of observers, owned by whoever
// constructs the engine. Its lifecycle is tied to the hosting service; there
// is no process-wide registry.
type ObserverRegistry struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewObserverRegistry returns an empty registry.
func NewObserverRegistry() *ObserverRegistry {
	return &ObserverRegistry{}
}

// Register adds an observer. Registration order is notification order.
func (r *ObserverRegistry) Register(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *ObserverRegistry) notifyStateChanged(id uuid.UUID, from, to State) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.observers {
		o.OnStateChanged(id, from, to)
	}
}
