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

package delivery

import (
	"context"
	"sync"

	"github.com/go-tradenet/tradecore/fsm"
	"github.com/go-tradenet/tradecore/transport"
	"github.com/google/uuid"
)

// Event kinds the delivery subsystem synthesizes into the trade FSM.
// Protocol variants declare transitions on these like on any other kind.
const (
	// EventDeliveryAcked fires once when the peer acknowledged a message.
	EventDeliveryAcked fsm.EventKind = "delivery_acked"
	// EventDeliveryFailed fires exactly once per resend chain, when the
	// bounded retries are exhausted.
	EventDeliveryFailed fsm.EventKind = "delivery_failed"
)

// Acked is the payload of an EventDeliveryAcked event.
type Acked struct {
	MessageID uuid.UUID
	Kind      string
}

// PermanentFailure is the payload of an EventDeliveryFailed event.
type PermanentFailure struct {
	MessageID uuid.UUID
	Kind      string
	Reason    string
	Attempts  int
}

// EventSink is where the delivery subsystem feeds its synthesized events
// and deduplicated inbound envelopes. The trade service implements it.
type EventSink interface {
	// ApplyDeliveryEvent applies a delivery status event to the trade.
	ApplyDeliveryEvent(ctx context.Context, tradeID uuid.UUID, ev fsm.Event) error
	// ApplyEnvelope applies an inbound peer message to the trade. Called at
	// most once per unique message id.
	ApplyEnvelope(ctx context.Context, sender transport.Identity, env transport.Envelope) error
	// TradeState returns the trade's current state name, for the resend
	// policy's has-the-protocol-moved-on check.
	TradeState(ctx context.Context, tradeID uuid.UUID) (string, error)
}

// Observer receives delivery status notifications. Observers are read-only.
type Observer interface {
	OnDeliveryStatusChanged(tradeID, messageID uuid.UUID, status Status)
}

// ObserverRegistry holds delivery observers. Owned by whoever constructs
// the delivery service, never process-global.
type ObserverRegistry struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewObserverRegistry returns an empty registry.
func NewObserverRegistry() *ObserverRegistry {
	return &ObserverRegistry{}
}

// Register adds an observer.
func (r *ObserverRegistry) Register(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *ObserverRegistry) notifyStatusChanged(tradeID, messageID uuid.UUID, status Status) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.observers {
		o.OnDeliveryStatusChanged(tradeID, messageID, status)
	}
}
