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

package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-tradenet/tradecore/delivery"
	"github.com/go-tradenet/tradecore/fsm"
	"github.com/go-tradenet/tradecore/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tradeID  = uuid.MustParse("3668a16a-faf2-4c5a-9e4a-da4e2accc9e1")
	localID  = transport.Identity{Address: "http://local.example.com:8080"}
	targetID = transport.Identity{Address: "http://peer.example.com:8080"}
)

type memRecordStore struct {
	sync.Mutex
	records map[uuid.UUID]*delivery.OutboundRecord
	seen    map[string]bool
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{
		records: make(map[uuid.UUID]*delivery.OutboundRecord),
		seen:    make(map[string]bool),
	}
}

func (m *memRecordStore) GetOutbound(_ context.Context, messageID uuid.UUID) (*delivery.OutboundRecord, error) {
	m.Lock()
	defer m.Unlock()
	rec, ok := m.records[messageID]
	if !ok {
		return nil, delivery.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRecordStore) GetOutboundRW(ctx context.Context, messageID uuid.UUID) (*delivery.OutboundRecord, error) {
	return m.GetOutbound(ctx, messageID)
}

func (m *memRecordStore) PutOutbound(_ context.Context, rec *delivery.OutboundRecord) error {
	m.Lock()
	defer m.Unlock()
	cp := *rec
	m.records[rec.MessageID] = &cp
	return nil
}

func (m *memRecordStore) ReleaseOutbound(_ context.Context, _ uuid.UUID) error { return nil }

func (m *memRecordStore) ListOutbound(_ context.Context, id uuid.UUID) ([]*delivery.OutboundRecord, error) {
	m.Lock()
	defer m.Unlock()
	out := []*delivery.OutboundRecord{}
	for _, rec := range m.records {
		if rec.TradeID == id {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRecordStore) ListPending(_ context.Context) ([]*delivery.OutboundRecord, error) {
	m.Lock()
	defer m.Unlock()
	out := []*delivery.OutboundRecord{}
	for _, rec := range m.records {
		if rec.Status == delivery.StatusSent {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRecordStore) MarkInboundSeen(_ context.Context, tradeID, messageID uuid.UUID) (bool, error) {
	m.Lock()
	defer m.Unlock()
	key := tradeID.String() + messageID.String()
	if m.seen[key] {
		return true, nil
	}
	m.seen[key] = true
	return false, nil
}

func (m *memRecordStore) ClearInboundSeen(_ context.Context, tradeID, messageID uuid.UUID) error {
	m.Lock()
	defer m.Unlock()
	delete(m.seen, tradeID.String()+messageID.String())
	return nil
}

type mockTransport struct {
	sync.Mutex
	sendErr   error
	receipt   transport.Receipt
	envelopes []transport.Envelope
	acks      []uuid.UUID
}

func (m *mockTransport) SendConfidential(
	_ context.Context, _ transport.Address, env transport.Envelope,
) (transport.Receipt, error) {
	m.Lock()
	defer m.Unlock()
	if m.sendErr != nil {
		return m.receipt, m.sendErr
	}
	m.envelopes = append(m.envelopes, env)
	return m.receipt, nil
}

func (m *mockTransport) SendAck(_ context.Context, _ transport.Address, messageID uuid.UUID) error {
	m.Lock()
	defer m.Unlock()
	m.acks = append(m.acks, messageID)
	return nil
}

func (m *mockTransport) sentCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.envelopes)
}

type mockSink struct {
	sync.Mutex
	state     string
	applyErr  error
	events    []fsm.Event
	envelopes []transport.Envelope
}

func (m *mockSink) ApplyDeliveryEvent(_ context.Context, _ uuid.UUID, ev fsm.Event) error {
	m.Lock()
	defer m.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockSink) ApplyEnvelope(_ context.Context, _ transport.Identity, env transport.Envelope) error {
	m.Lock()
	defer m.Unlock()
	if m.applyErr != nil {
		err := m.applyErr
		m.applyErr = nil
		return err
	}
	m.envelopes = append(m.envelopes, env)
	return nil
}

func (m *mockSink) TradeState(_ context.Context, _ uuid.UUID) (string, error) {
	m.Lock()
	defer m.Unlock()
	return m.state, nil
}

type statusRecorder struct {
	sync.Mutex
	statuses []delivery.Status
}

func (r *statusRecorder) OnDeliveryStatusChanged(_, _ uuid.UUID, status delivery.Status) {
	r.Lock()
	defer r.Unlock()
	r.statuses = append(r.statuses, status)
}

func newService(
	ctx context.Context, t *testing.T, tr transport.Transport, maxAttempts int,
) (*delivery.Service, *memRecordStore, *mockSink, *statusRecorder) {
	t.Helper()
	store := newMemRecordStore()
	sink := &mockSink{state: "MAKER_TAKE_OFFER_REQUEST_ACCEPTED"}
	recorder := &statusRecorder{}
	observers := delivery.NewObserverRegistry()
	observers.Register(recorder)
	policy := delivery.BackoffPolicy{
		InitialInterval:     time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxAttempts:         maxAttempts,
	}
	svc := delivery.New(ctx, store, tr, localID, policy, observers)
	svc.SetSink(sink)
	return svc, store, sink, recorder
}

func pendingRecord(t *testing.T, store *memRecordStore) *delivery.OutboundRecord {
	t.Helper()
	pending, err := store.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func TestResendChainExhaustsIntoPermanentFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, sink, _ := newService(ctx, t, &mockTransport{}, 3)

	id, err := svc.Send(ctx, tradeID, targetID, "account_data",
		"MAKER_TAKE_OFFER_REQUEST_ACCEPTED", []byte(`{}`))
	require.NoError(t, err)

	svc.OnFailed(ctx, id, "connection refused")
	second := pendingRecord(t, store)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, id, second.Supersedes)

	svc.OnFailed(ctx, second.MessageID, "connection refused")
	third := pendingRecord(t, store)
	assert.Equal(t, 3, third.Attempt)

	svc.OnFailed(ctx, third.MessageID, "connection refused")
	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "no fourth attempt past the policy cap")

	require.Len(t, sink.events, 1, "exactly one permanent failure for the chain")
	assert.Equal(t, delivery.EventDeliveryFailed, sink.events[0].Kind)
	failure, ok := sink.events[0].Payload.(delivery.PermanentFailure)
	require.True(t, ok)
	assert.Equal(t, 3, failure.Attempts)
	assert.Equal(t, "connection refused", failure.Reason)

	// A duplicate failure report for an already-failed record is absorbed.
	svc.OnFailed(ctx, third.MessageID, "connection refused")
	assert.Len(t, sink.events, 1)
}

func TestNoResendOnceTradeMovedOn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, sink, _ := newService(ctx, t, &mockTransport{}, 3)
	sink.state = "SELLER_ACCOUNT_DATA_SENT"

	id, err := svc.Send(ctx, tradeID, targetID, "account_data",
		"MAKER_TAKE_OFFER_REQUEST_ACCEPTED", []byte(`{}`))
	require.NoError(t, err)

	svc.OnFailed(ctx, id, "timeout")
	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "stale messages are not worth resending")
	assert.Empty(t, sink.events, "moving on is not a permanent failure")
}

func TestAckAdvancesRecordOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, sink, recorder := newService(ctx, t, &mockTransport{}, 3)

	id, err := svc.Send(ctx, tradeID, targetID, "take_offer_request",
		"TAKER_TAKE_OFFER_REQUEST_SENT", []byte(`{}`))
	require.NoError(t, err)

	svc.OnStored(ctx, id)
	svc.OnDelivered(ctx, id)
	svc.OnDelivered(ctx, id)

	rec, err := store.GetOutbound(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusAckReceived, rec.Status)

	require.Len(t, sink.events, 1, "the duplicate ack must not reach the trade")
	assert.Equal(t, delivery.EventDeliveryAcked, sink.events[0].Kind)
	acked, ok := sink.events[0].Payload.(delivery.Acked)
	require.True(t, ok)
	assert.Equal(t, id, acked.MessageID)
	assert.Equal(t, "take_offer_request", acked.Kind)

	assert.Equal(t,
		[]delivery.Status{delivery.StatusMailboxStored, delivery.StatusAckReceived},
		recorder.statuses)
}

func TestInboundDuplicateReackedNotReapplied(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := &mockTransport{}
	svc, _, sink, _ := newService(ctx, t, tr, 3)

	body, err := json.Marshal(map[string]string{"note": "hello"})
	require.NoError(t, err)
	env := transport.Envelope{
		TradeID:   tradeID,
		MessageID: uuid.MustParse("c95639b6-d2ed-4a3b-b12e-e7a28b0bbb67"),
		Kind:      "account_data",
		Sender:    targetID,
		Body:      body,
	}

	svc.OnReceived(ctx, targetID, env)
	svc.OnReceived(ctx, targetID, env)

	assert.Len(t, tr.acks, 2, "every delivery is acked, the sender's ack may have been lost")
	assert.Len(t, sink.envelopes, 1, "only the first delivery reaches the trade")
}

func TestInboundApplyFailureReopensForResend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := &mockTransport{}
	svc, _, sink, _ := newService(ctx, t, tr, 3)
	sink.applyErr = errors.New("store hiccup")

	env := transport.Envelope{
		TradeID:   tradeID,
		MessageID: uuid.MustParse("8f2c7a10-55ab-4a0e-8e84-3d2f1de6c0f7"),
		Kind:      "account_data",
		Sender:    targetID,
		Body:      []byte(`{}`),
	}

	// The first delivery fails to apply; its seen claim must be given back
	// so the sender's resend is not swallowed.
	svc.OnReceived(ctx, targetID, env)
	assert.Empty(t, sink.envelopes)

	svc.OnReceived(ctx, targetID, env)
	assert.Len(t, sink.envelopes, 1, "the resend gets through")

	svc.OnReceived(ctx, targetID, env)
	assert.Len(t, sink.envelopes, 1, "a successful apply keeps its claim")
	assert.Len(t, tr.acks, 3)
}

func TestRecoverRequeuesPendingSends(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := &mockTransport{receipt: transport.ReceiptSent}
	svc, store, _, _ := newService(ctx, t, tr, 3)

	rec := &delivery.OutboundRecord{
		MessageID:     uuid.New(),
		TradeID:       tradeID,
		Target:        targetID,
		Kind:          "offer_accepted",
		RequiredState: "MAKER_TAKE_OFFER_REQUEST_ACCEPTED",
		Body:          []byte(`{}`),
		Status:        delivery.StatusSent,
		SentAt:        time.Now(),
		Attempt:       1,
	}
	require.NoError(t, store.PutOutbound(ctx, rec))

	require.NoError(t, svc.Recover(ctx))
	svc.Run()

	require.Eventually(t, func() bool { return tr.sentCount() == 1 },
		5*time.Second, 10*time.Millisecond)
	cancel()
	svc.Wait()
}

func TestCancelPendingDropsQueuedSends(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := &mockTransport{receipt: transport.ReceiptSent}
	svc, store, _, _ := newService(ctx, t, tr, 3)

	id, err := svc.Send(ctx, tradeID, targetID, "account_data",
		"MAKER_TAKE_OFFER_REQUEST_ACCEPTED", []byte(`{}`))
	require.NoError(t, err)
	svc.CancelPending(tradeID)
	svc.Run()

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, tr.sentCount(), "queued sends from before the cancel must not go out")
	rec, err := store.GetOutbound(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, rec.Status)
	cancel()
	svc.Wait()
}

func TestRunDeliversAndReportsMailbox(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := &mockTransport{receipt: transport.ReceiptStored}
	svc, store, _, _ := newService(ctx, t, tr, 3)
	svc.Run()

	id, err := svc.Send(ctx, tradeID, targetID, "take_offer_request",
		"TAKER_TAKE_OFFER_REQUEST_SENT", []byte(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := store.GetOutbound(ctx, id)
		return err == nil && rec.Status == delivery.StatusMailboxStored
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	svc.Wait()
}

func TestSendFailureStoreError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _, _ := newService(ctx, t, &mockTransport{sendErr: errors.New("unreachable")}, 3)
	// The store stub never fails, but a vanished record must not panic.
	svc.OnFailed(ctx, uuid.New(), "unreachable")
	svc.OnDelivered(ctx, uuid.New())
	svc.OnStored(ctx, uuid.New())
}
