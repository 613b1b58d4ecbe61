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

// Package transport defines the boundary between the trade core and the
// confidential messaging network. The core only ever calls Transport, and
// the network layer only ever calls Handler; everything below those two
// interfaces (encryption, onion routing, mailbox relays) is somebody else's
// problem.
package transport

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Address is the network-reachable endpoint of a party. It is opaque to the
// core; the reference HTTP transport treats it as a base URL.
type Address string

func (a Address) String() string { return string(a) }

// Identity is the addressable network identity of a trade party. It is not
// the party's real-world identity; the public key material is what inbound
// messages are authenticated against.
type Identity struct {
	Address Address `json:"address" validate:"required"`
	PubKey  []byte  `json:"pubKey,omitempty"`
}

// Equal reports whether two identities refer to the same network peer.
func (i Identity) Equal(other Identity) bool {
	if i.Address != other.Address {
		return false
	}
	if len(i.PubKey) != len(other.PubKey) {
		return false
	}
	for n := range i.PubKey {
		if i.PubKey[n] != other.PubKey[n] {
			return false
		}
	}
	return true
}

// Envelope is the confidential message envelope exchanged between peers.
// The body is opaque to the transport; its meaning is derived from Kind.
type Envelope struct {
	TradeID   uuid.UUID       `json:"tradeId" validate:"required"`
	MessageID uuid.UUID       `json:"messageId" validate:"required"`
	Kind      string          `json:"kind" validate:"required"`
	Sender    Identity        `json:"sender" validate:"required"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Receipt is the synchronous outcome of handing an envelope to the network.
type Receipt int8

const (
	// ReceiptSent means the envelope was handed to the network for an
	// online peer.
	ReceiptSent Receipt = iota
	// ReceiptStored means the peer is offline and the network queued the
	// envelope in its mailbox.
	ReceiptStored
)

// Transport is the outbound messaging primitive the core consumes.
type Transport interface {
	// SendConfidential hands an envelope to the network for delivery to the
	// given address. Acknowledgments arrive later through Handler.
	SendConfidential(ctx context.Context, to Address, env Envelope) (Receipt, error)
	// SendAck acknowledges receipt of a message to its sender. Called for
	// every inbound envelope, duplicates included.
	SendAck(ctx context.Context, to Address, messageID uuid.UUID) error
}

// Handler receives the transport layer's reports. These four calls are the
// only way the network layer reaches into the core.
type Handler interface {
	// OnDelivered reports that the peer acknowledged the message.
	OnDelivered(ctx context.Context, messageID uuid.UUID)
	// OnStored reports that the message was queued for an offline peer.
	OnStored(ctx context.Context, messageID uuid.UUID)
	// OnFailed reports that the network gave up delivering the message.
	OnFailed(ctx context.Context, messageID uuid.UUID, reason string)
	// OnReceived hands an inbound envelope to the core.
	OnReceived(ctx context.Context, sender Identity, env Envelope)
}
