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

// Package delivery tracks confidential protocol messages on their way to the
// peer: it creates an outbound record per send, follows the delivery status
// reported by the transport, drives the bounded resend policy, and feeds
// status changes back into the trade FSM as events.
package delivery

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-tradenet/tradecore/transport"
	"github.com/google/uuid"
)

// ErrRecordNotFound is returned by stores when no record exists for the id.
var ErrRecordNotFound = errors.New("outbound record not found")

// GenerateStorageKey generates the storage key for an outbound record.
func GenerateStorageKey(tradeID, messageID uuid.UUID) []byte {
	return []byte("outbound-" + tradeID.String() + "-" + messageID.String())
}

// Status is the delivery status of one outbound message.
type Status int8

const (
	// StatusSent means the message was handed to the transport.
	StatusSent Status = iota
	// StatusMailboxStored means the peer is offline and the network queued
	// the message for later delivery.
	StatusMailboxStored
	// StatusAckReceived means the peer acknowledged the message.
	StatusAckReceived
	// StatusFailed means the transport gave up on this record. Terminal; a
	// resend produces a fresh record instead of mutating this one.
	StatusFailed
)

const statusTagPrefix = "delivery:"

var statusNames = map[Status]string{
	StatusSent:          "SENT",
	StatusMailboxStored: "MAILBOX_STORED",
	StatusAckReceived:   "ACK_RECEIVED",
	StatusFailed:        "FAILED",
}

// Status progression is forward-only; FAILED and ACK_RECEIVED accept
// nothing further.
var validStatusTransitions = map[Status][]Status{
	StatusSent:          {StatusMailboxStored, StatusAckReceived, StatusFailed},
	StatusMailboxStored: {StatusAckReceived, StatusFailed},
	StatusAckReceived:   {},
	StatusFailed:        {},
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// Tag returns the namespaced wire tag for the status.
func (s Status) Tag() string { return statusTagPrefix + s.String() }

// ParseStatusTag maps a wire tag back to a status. Unknown tags are an
// error, never coerced to a default.
func ParseStatusTag(tag string) (Status, error) {
	for status, name := range statusNames {
		if tag == statusTagPrefix+name {
			return status, nil
		}
	}
	return StatusFailed, fmt.Errorf("unknown delivery status tag: %s", tag)
}

// OutboundRecord tracks one protocol message sent to a peer. Records are
// created by Service.Send, mutated only as transport reports arrive, and
// never deleted: the chain of superseded records is the audit trail.
type OutboundRecord struct {
	MessageID uuid.UUID
	TradeID   uuid.UUID
	Target    transport.Identity
	Kind      string
	// RequiredState is the trade state this message belongs to; once the
	// trade has moved on, the record is not worth resending.
	RequiredState string
	Body          []byte
	Status        Status
	SentAt        time.Time
	// Attempt starts at 1; each successor record increments it.
	Attempt    int
	Supersedes uuid.UUID
}

// StorageKey returns the record's storage key.
func (r *OutboundRecord) StorageKey() []byte {
	return GenerateStorageKey(r.TradeID, r.MessageID)
}

// AdvanceStatus moves the record's status forward. Regressions and
// duplicate reports are rejected with an error so callers can drop them.
func (r *OutboundRecord) AdvanceStatus(to Status) error {
	if !slices.Contains(validStatusTransitions[r.Status], to) {
		return fmt.Errorf("can't advance delivery status from %s to %s", r.Status, to)
	}
	r.Status = to
	return nil
}

// Successor returns the fresh record for a resend of this failed record.
func (r *OutboundRecord) Successor() *OutboundRecord {
	return &OutboundRecord{
		MessageID:     uuid.New(),
		TradeID:       r.TradeID,
		Target:        r.Target,
		Kind:          r.Kind,
		RequiredState: r.RequiredState,
		Body:          r.Body,
		Status:        StatusSent,
		SentAt:        time.Now(),
		Attempt:       r.Attempt + 1,
		Supersedes:    r.MessageID,
	}
}

type recordGob struct {
	MessageID     uuid.UUID
	TradeID       uuid.UUID
	Target        transport.Identity
	Kind          string
	RequiredState string
	Body          []byte
	Status        string
	SentAt        time.Time
	Attempt       int
	Supersedes    uuid.UUID
}

// ToBytes serialises the record for storage.
func (r *OutboundRecord) ToBytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err := enc.Encode(recordGob{
		MessageID:     r.MessageID,
		TradeID:       r.TradeID,
		Target:        r.Target,
		Kind:          r.Kind,
		RequiredState: r.RequiredState,
		Body:          r.Body,
		Status:        r.Status.Tag(),
		SentAt:        r.SentAt,
		Attempt:       r.Attempt,
		Supersedes:    r.Supersedes,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RecordFromBytes deserialises a stored record.
func RecordFromBytes(b []byte) (*OutboundRecord, error) {
	var rg recordGob
	dec := gob.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&rg); err != nil {
		return nil, err
	}
	status, err := ParseStatusTag(rg.Status)
	if err != nil {
		return nil, err
	}
	return &OutboundRecord{
		MessageID:     rg.MessageID,
		TradeID:       rg.TradeID,
		Target:        rg.Target,
		Kind:          rg.Kind,
		RequiredState: rg.RequiredState,
		Body:          rg.Body,
		Status:        status,
		SentAt:        rg.SentAt,
		Attempt:       rg.Attempt,
		Supersedes:    rg.Supersedes,
	}, nil
}
