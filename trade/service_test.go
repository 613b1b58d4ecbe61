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

package trade_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/go-tradenet/tradecore/delivery"
	"github.com/go-tradenet/tradecore/fsm"
	"github.com/go-tradenet/tradecore/trade"
	"github.com/go-tradenet/tradecore/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	makerID    = transport.Identity{Address: "http://maker.example.com:8080"}
	takerID    = transport.Identity{Address: "http://taker.example.com:8080"}
	mediatorID = transport.Identity{Address: "http://mediator.example.com:8081"}
	strangerID = transport.Identity{Address: "http://stranger.example.com:9999"}

	takerSignature = []byte("taker-contract-sig")
	makerSignature = []byte("maker-contract-sig")
	ibanBlob       = []byte(`{"iban":"NL00BANK0123456789"}`)
)

// memStore keeps trades as serialized bytes so every load goes through the
// same decode path as the real store.
type memStore struct {
	sync.Mutex
	trades map[uuid.UUID][]byte
}

func newMemStore() *memStore {
	return &memStore{trades: make(map[uuid.UUID][]byte)}
}

func (m *memStore) get(id uuid.UUID) (*trade.Trade, error) {
	m.Lock()
	defer m.Unlock()
	b, ok := m.trades[id]
	if !ok {
		return nil, trade.ErrTradeNotFound
	}
	return trade.FromBytes(b)
}

func (m *memStore) GetTradeR(_ context.Context, id uuid.UUID) (*trade.Trade, error) {
	t, err := m.get(id)
	if err != nil {
		return nil, err
	}
	t.SetReadOnly()
	return t, nil
}

func (m *memStore) GetTradeRW(_ context.Context, id uuid.UUID) (*trade.Trade, error) {
	return m.get(id)
}

func (m *memStore) PutTrade(_ context.Context, t *trade.Trade) error {
	b, err := t.ToBytes()
	if err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.trades[t.ID()] = b
	return nil
}

func (m *memStore) ReleaseTrade(_ context.Context, _ uuid.UUID) error { return nil }

type sentMessage struct {
	TradeID       uuid.UUID
	To            transport.Identity
	Kind          string
	RequiredState string
	Body          []byte
}

type mockDeliverer struct {
	sync.Mutex
	sends     []sentMessage
	cancelled []uuid.UUID
}

func (m *mockDeliverer) Send(
	_ context.Context, tradeID uuid.UUID, to transport.Identity, kind, requiredState string, body []byte,
) (uuid.UUID, error) {
	m.Lock()
	defer m.Unlock()
	m.sends = append(m.sends, sentMessage{
		TradeID: tradeID, To: to, Kind: kind, RequiredState: requiredState, Body: body,
	})
	return uuid.New(), nil
}

func (m *mockDeliverer) CancelPending(tradeID uuid.UUID) {
	m.Lock()
	defer m.Unlock()
	m.cancelled = append(m.cancelled, tradeID)
}

func newTradeService(t *testing.T, local transport.Identity) (*trade.Service, *memStore, *mockDeliverer) {
	t.Helper()
	store := newMemStore()
	d := &mockDeliverer{}
	svc, err := trade.NewService(store, d, local, mediatorID, fsm.NewObserverRegistry())
	require.NoError(t, err)
	return svc, store, d
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func envelope(tradeID uuid.UUID, sender transport.Identity, kind string, body []byte) transport.Envelope {
	return transport.Envelope{
		TradeID:   tradeID,
		MessageID: uuid.New(),
		Kind:      kind,
		Sender:    sender,
		Body:      body,
	}
}

func stateName(t *testing.T, svc *trade.Service, id uuid.UUID) string {
	t.Helper()
	tr, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	return tr.CurrentState().Name()
}

// takerAtAccepted walks a taker-local trade to MAKER_TAKE_OFFER_REQUEST_ACCEPTED.
func takerAtAccepted(
	t *testing.T, svc *trade.Service, direction trade.Direction,
) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id, res, err := svc.TakeOffer(ctx, makerID, direction, takerSignature)
	require.NoError(t, err)
	require.Equal(t, fsm.OutcomeApplied, res.Outcome)
	body := mustMarshal(t, trade.OfferAccepted{Maker: makerID, ContractSignature: makerSignature})
	require.NoError(t, svc.ApplyEnvelope(ctx, makerID, envelope(id, makerID, trade.KindOfferAccepted, body)))
	require.Equal(t, trade.StateTakeOfferRequestAccepted.Name(), stateName(t, svc, id))
	return id
}

func TestTakeOfferFlowOnTakerSide(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, d := newTradeService(t, takerID)

	id, res, err := svc.TakeOffer(ctx, makerID, trade.DirectionBuy, takerSignature)
	require.NoError(t, err)
	assert.Equal(t, fsm.OutcomeApplied, res.Outcome)
	assert.Equal(t, trade.StateTakeOfferRequestSent.Name(), stateName(t, svc, id))

	require.Len(t, d.sends, 1)
	assert.Equal(t, trade.KindTakeOfferRequest, d.sends[0].Kind)
	assert.Equal(t, makerID, d.sends[0].To)
	assert.Equal(t, trade.StateTakeOfferRequestSent.Name(), d.sends[0].RequiredState)
	var req trade.TakeOfferRequest
	require.NoError(t, json.Unmarshal(d.sends[0].Body, &req))
	assert.Equal(t, takerID, req.Taker)
	assert.Equal(t, trade.DirectionBuy.Tag(), req.Direction)
	assert.Equal(t, takerSignature, req.ContractSignature)

	body := mustMarshal(t, trade.OfferAccepted{Maker: makerID, ContractSignature: makerSignature})
	require.NoError(t, svc.ApplyEnvelope(ctx, makerID, envelope(id, makerID, trade.KindOfferAccepted, body)))
	assert.Equal(t, trade.StateTakeOfferRequestAccepted.Name(), stateName(t, svc, id))

	tr, err := svc.Get(ctx, id)
	require.NoError(t, err)
	maker, ok := tr.Party(trade.RoleMaker)
	require.True(t, ok)
	assert.Equal(t, makerSignature, maker.ContractSignature)
	assert.Len(t, tr.GetLog(), 2)
}

func TestDuplicateAcceptanceIsIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTradeService(t, takerID)
	id := takerAtAccepted(t, svc, trade.DirectionBuy)

	body := mustMarshal(t, trade.OfferAccepted{Maker: makerID, ContractSignature: makerSignature})
	require.NoError(t, svc.ApplyEnvelope(ctx, makerID, envelope(id, makerID, trade.KindOfferAccepted, body)))
	assert.Equal(t, trade.StateTakeOfferRequestAccepted.Name(), stateName(t, svc, id))
}

func TestAcceptanceFromStrangerRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTradeService(t, takerID)
	id, _, err := svc.TakeOffer(ctx, makerID, trade.DirectionBuy, takerSignature)
	require.NoError(t, err)

	body := mustMarshal(t, trade.OfferAccepted{Maker: makerID, ContractSignature: makerSignature})
	require.NoError(t, svc.ApplyEnvelope(ctx, strangerID, envelope(id, strangerID, trade.KindOfferAccepted, body)))
	assert.Equal(t, trade.StateTakeOfferRequestSent.Name(), stateName(t, svc, id),
		"the authenticated sender, not the body, decides who accepted")
}

func TestInboundTakeOfferCreatesMakerTrade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, d := newTradeService(t, makerID)
	id := uuid.New()

	body := mustMarshal(t, trade.TakeOfferRequest{
		Taker:             takerID,
		Direction:         trade.DirectionSell.Tag(),
		ContractSignature: takerSignature,
	})
	require.NoError(t, svc.ApplyEnvelope(ctx, takerID, envelope(id, takerID, trade.KindTakeOfferRequest, body)))

	assert.Equal(t, trade.StateTakeOfferRequestAccepted.Name(), stateName(t, svc, id))
	tr, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.RoleMaker, tr.GetLocalRole())
	assert.True(t, tr.LocalIsSeller(), "a SELL offer means the maker sells")
	taker, ok := tr.Party(trade.RoleTaker)
	require.True(t, ok)
	assert.Equal(t, takerSignature, taker.ContractSignature)

	require.Len(t, d.sends, 1)
	assert.Equal(t, trade.KindOfferAccepted, d.sends[0].Kind)
	assert.Equal(t, takerID, d.sends[0].To)
}

func TestTakeOfferRequestSenderMustBeTaker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, _ := newTradeService(t, makerID)
	id := uuid.New()

	body := mustMarshal(t, trade.TakeOfferRequest{
		Taker:             takerID,
		Direction:         trade.DirectionSell.Tag(),
		ContractSignature: takerSignature,
	})
	err := svc.ApplyEnvelope(ctx, strangerID, envelope(id, strangerID, trade.KindTakeOfferRequest, body))
	require.Error(t, err)
	store.Lock()
	assert.Empty(t, store.trades, "no aggregate for a forged request")
	store.Unlock()
}

func TestSellerAccountDataAdvancesOnAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, d := newTradeService(t, makerID)
	id := uuid.New()

	// SELL offer: the maker is the seller.
	body := mustMarshal(t, trade.TakeOfferRequest{
		Taker:             takerID,
		Direction:         trade.DirectionSell.Tag(),
		ContractSignature: takerSignature,
	})
	require.NoError(t, svc.ApplyEnvelope(ctx, takerID, envelope(id, takerID, trade.KindTakeOfferRequest, body)))

	res, err := svc.SendAccountData(ctx, id, ibanBlob)
	require.NoError(t, err)
	assert.Equal(t, fsm.OutcomeApplied, res.Outcome)
	assert.Equal(t, trade.StateTakeOfferRequestAccepted.Name(), stateName(t, svc, id),
		"handing data to the transport does not advance the trade yet")

	require.Len(t, d.sends, 2)
	assert.Equal(t, trade.KindAccountData, d.sends[1].Kind)
	assert.Equal(t, takerID, d.sends[1].To)

	// An ack for some other message does not advance the trade.
	err = svc.ApplyDeliveryEvent(ctx, id, fsm.NewEvent(delivery.EventDeliveryAcked,
		delivery.Acked{MessageID: uuid.New(), Kind: trade.KindOfferAccepted}))
	require.NoError(t, err)
	assert.Equal(t, trade.StateTakeOfferRequestAccepted.Name(), stateName(t, svc, id))

	err = svc.ApplyDeliveryEvent(ctx, id, fsm.NewEvent(delivery.EventDeliveryAcked,
		delivery.Acked{MessageID: uuid.New(), Kind: trade.KindAccountData}))
	require.NoError(t, err)
	assert.Equal(t, trade.StateAccountDataSent.Name(), stateName(t, svc, id))
}

func TestBuyerMayNotSendAccountData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTradeService(t, takerID)
	// SELL offer: the maker sells, the local taker buys.
	id := takerAtAccepted(t, svc, trade.DirectionSell)

	res, err := svc.SendAccountData(ctx, id, ibanBlob)
	require.NoError(t, err)
	assert.Equal(t, fsm.OutcomeGuardRejected, res.Outcome)
	assert.Equal(t, trade.StateTakeOfferRequestAccepted.Name(), stateName(t, svc, id))
}

func TestBuyerReceivesAccountData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTradeService(t, takerID)
	// SELL offer: the maker sells, the local taker buys.
	id := takerAtAccepted(t, svc, trade.DirectionSell)

	body := mustMarshal(t, trade.AccountData{PaymentAccount: ibanBlob})
	require.NoError(t, svc.ApplyEnvelope(ctx, makerID, envelope(id, makerID, trade.KindAccountData, body)))
	assert.Equal(t, trade.StateAccountDataReceived.Name(), stateName(t, svc, id))

	tr, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ibanBlob, tr.Seller().PaymentAccount)
}

func TestAccountDataFromNonSellerRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTradeService(t, takerID)
	id := takerAtAccepted(t, svc, trade.DirectionSell)

	body := mustMarshal(t, trade.AccountData{PaymentAccount: ibanBlob})
	require.NoError(t, svc.ApplyEnvelope(ctx, strangerID, envelope(id, strangerID, trade.KindAccountData, body)))
	assert.Equal(t, trade.StateTakeOfferRequestAccepted.Name(), stateName(t, svc, id))
}

func TestEscalationBringsInMediator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, d := newTradeService(t, takerID)
	id := takerAtAccepted(t, svc, trade.DirectionSell)

	require.NoError(t, svc.Escalate(ctx, id, "no payment received"))
	assert.Equal(t, trade.StateMediationRequested.Name(), stateName(t, svc, id))
	assert.Equal(t, []uuid.UUID{id}, d.cancelled, "pending happy-path resends are dropped")

	tr, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.VariantMediation, tr.ProtocolName())
	mediator, ok := tr.Party(trade.RoleMediator)
	require.True(t, ok)
	assert.Equal(t, mediatorID, mediator.Identity)

	// The dispute is queued to the mediator node.
	require.Len(t, d.sends, 2)
	assert.Equal(t, trade.KindMediationRequest, d.sends[1].Kind)
	assert.Equal(t, mediatorID, d.sends[1].To)
	assert.Equal(t, trade.StateMediationRequested.Name(), d.sends[1].RequiredState)
	var req trade.MediationRequest
	require.NoError(t, json.Unmarshal(d.sends[1].Body, &req))
	assert.Equal(t, makerID, req.Maker)
	assert.Equal(t, takerID, req.Taker)
	assert.Equal(t, trade.DirectionSell.Tag(), req.Direction)
	assert.Equal(t, "no payment received", req.Reason)

	// Escalating an already escalated trade is a no-op, not an error.
	require.NoError(t, svc.Escalate(ctx, id, "still no payment"))
	assert.Equal(t, trade.StateMediationRequested.Name(), stateName(t, svc, id))
	assert.Len(t, d.sends, 2, "a no-op escalation does not ping the mediator again")
}

func TestPermanentDeliveryFailureEscalates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, d := newTradeService(t, takerID)
	id, _, err := svc.TakeOffer(ctx, makerID, trade.DirectionBuy, takerSignature)
	require.NoError(t, err)

	err = svc.ApplyDeliveryEvent(ctx, id, fsm.NewEvent(delivery.EventDeliveryFailed,
		delivery.PermanentFailure{
			MessageID: uuid.New(), Kind: trade.KindTakeOfferRequest, Reason: "unreachable", Attempts: 5,
		}))
	require.NoError(t, err)
	assert.Equal(t, trade.StateMediationRequested.Name(), stateName(t, svc, id))

	require.Len(t, d.sends, 2)
	assert.Equal(t, trade.KindMediationRequest, d.sends[1].Kind)
	var req trade.MediationRequest
	require.NoError(t, json.Unmarshal(d.sends[1].Body, &req))
	assert.Contains(t, req.Reason, "take_offer_request")
	assert.Contains(t, req.Reason, "unreachable")
}

func TestMediationResolutionRequiresMediator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTradeService(t, takerID)
	id := takerAtAccepted(t, svc, trade.DirectionSell)
	require.NoError(t, svc.Escalate(ctx, id, "dispute"))

	outcome := mustMarshal(t, trade.MediationOutcome{Winner: trade.WinnerBuyer, Note: "refund"})
	require.NoError(t, svc.ApplyEnvelope(ctx, makerID, envelope(id, makerID, trade.KindMediationOutcome, outcome)))
	assert.Equal(t, trade.StateMediationRequested.Name(), stateName(t, svc, id),
		"a trading party can not resolve its own dispute")

	require.NoError(t, svc.ApplyEnvelope(ctx, mediatorID, envelope(id, mediatorID, trade.KindMediationOutcome, outcome)))
	assert.Equal(t, trade.StateMediationResolvedBuyer.Name(), stateName(t, svc, id))

	closeMsg := mustMarshal(t, trade.MediationClose{Note: "done"})
	require.NoError(t, svc.ApplyEnvelope(ctx, mediatorID, envelope(id, mediatorID, trade.KindMediationClose, closeMsg)))
	assert.Equal(t, trade.StateMediationClosed.Name(), stateName(t, svc, id))
}

func TestMediatorOutcomeReachesUnescalatedParty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTradeService(t, takerID)
	// The counterparty opened the dispute; this node never escalated and
	// still runs the easy variant when the resolution arrives.
	id := takerAtAccepted(t, svc, trade.DirectionSell)

	outcome := mustMarshal(t, trade.MediationOutcome{Winner: trade.WinnerBuyer, Note: "refund"})
	require.NoError(t, svc.ApplyEnvelope(ctx, mediatorID, envelope(id, mediatorID, trade.KindMediationOutcome, outcome)))
	assert.Equal(t, trade.StateMediationResolvedBuyer.Name(), stateName(t, svc, id))

	tr, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.VariantMediation, tr.ProtocolName())
	_, ok := tr.Party(trade.RoleMediator)
	assert.True(t, ok)

	closeMsg := mustMarshal(t, trade.MediationClose{Note: "done"})
	require.NoError(t, svc.ApplyEnvelope(ctx, mediatorID, envelope(id, mediatorID, trade.KindMediationClose, closeMsg)))
	assert.Equal(t, trade.StateMediationClosed.Name(), stateName(t, svc, id))
}

func TestOutcomeFromNonMediatorBeforeEscalationIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTradeService(t, takerID)
	id := takerAtAccepted(t, svc, trade.DirectionSell)

	outcome := mustMarshal(t, trade.MediationOutcome{Winner: trade.WinnerBuyer})
	require.NoError(t, svc.ApplyEnvelope(ctx, makerID, envelope(id, makerID, trade.KindMediationOutcome, outcome)),
		"an event the current variant does not know is dropped, not an error")
	assert.Equal(t, trade.StateTakeOfferRequestAccepted.Name(), stateName(t, svc, id))

	tr, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.VariantEasy, tr.ProtocolName(), "only the mediator can pull a trade into mediation")
}

func TestEscalateClosedTradeFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTradeService(t, takerID)
	id := takerAtAccepted(t, svc, trade.DirectionSell)
	require.NoError(t, svc.Escalate(ctx, id, "dispute"))

	outcome := mustMarshal(t, trade.MediationOutcome{Winner: trade.WinnerSeller})
	require.NoError(t, svc.ApplyEnvelope(ctx, mediatorID, envelope(id, mediatorID, trade.KindMediationOutcome, outcome)))
	require.Equal(t, trade.StateMediationResolvedSeller.Name(), stateName(t, svc, id))

	before, err := svc.Get(ctx, id)
	require.NoError(t, err)
	partyCount := len(before.Parties())

	var escErr *trade.EscalationError
	require.ErrorAs(t, svc.Escalate(ctx, id, "try again"), &escErr)
	assert.Equal(t, id, escErr.TradeID)

	after, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.StateMediationResolvedSeller.Name(), after.CurrentState().Name())
	assert.Len(t, after.Parties(), partyCount)
}

func TestMediatorResolvesAndBroadcasts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, d := newTradeService(t, mediatorID)

	// A disputed trade as the mediator node sees it.
	id := uuid.New()
	tr := trade.New(ctx, id, trade.DirectionBuy, trade.RoleMediator,
		trade.Party{Identity: makerID}, trade.Party{Identity: takerID})
	require.NoError(t, tr.BeginMediation(trade.Party{Identity: mediatorID}))
	tr.CommitState(trade.StateMediationRequested)
	require.NoError(t, store.PutTrade(ctx, tr))

	res, err := svc.Resolve(ctx, id, trade.WinnerBuyer, "buyer paid")
	require.NoError(t, err)
	assert.Equal(t, fsm.OutcomeApplied, res.Outcome)
	assert.Equal(t, trade.StateMediationResolvedBuyer.Name(), stateName(t, svc, id))

	require.Len(t, d.sends, 2, "both trading parties hear the outcome")
	targets := []transport.Identity{d.sends[0].To, d.sends[1].To}
	assert.Contains(t, targets, makerID)
	assert.Contains(t, targets, takerID)
	assert.Equal(t, trade.KindMediationOutcome, d.sends[0].Kind)

	res, err = svc.CloseMediation(ctx, id, "case closed")
	require.NoError(t, err)
	assert.Equal(t, fsm.OutcomeApplied, res.Outcome)
	assert.Equal(t, trade.StateMediationClosed.Name(), stateName(t, svc, id))
	assert.Len(t, d.sends, 4)
	assert.Equal(t, trade.KindMediationClose, d.sends[2].Kind)
}

func TestInboundMediationRequestCreatesMediatorTrade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, d := newTradeService(t, mediatorID)
	id := uuid.New()

	body := mustMarshal(t, trade.MediationRequest{
		Maker:     makerID,
		Taker:     takerID,
		Direction: trade.DirectionSell.Tag(),
		Reason:    "no payment received",
	})
	require.NoError(t, svc.ApplyEnvelope(ctx, takerID, envelope(id, takerID, trade.KindMediationRequest, body)))

	assert.Equal(t, trade.StateMediationRequested.Name(), stateName(t, svc, id))
	tr, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.RoleMediator, tr.GetLocalRole())
	assert.Equal(t, trade.VariantMediation, tr.ProtocolName())
	assert.Len(t, tr.Parties(), 3)
	assert.Empty(t, d.sends, "the mediator does not ask itself for mediation")

	// The dispute is now resolvable without any hand-seeded state.
	res, err := svc.Resolve(ctx, id, trade.WinnerSeller, "seller proved payment")
	require.NoError(t, err)
	assert.Equal(t, fsm.OutcomeApplied, res.Outcome)
	assert.Equal(t, trade.StateMediationResolvedSeller.Name(), stateName(t, svc, id))
	assert.Len(t, d.sends, 2)

	// A duplicate request from the other party changes nothing.
	require.NoError(t, svc.ApplyEnvelope(ctx, makerID, envelope(id, makerID, trade.KindMediationRequest, body)))
	assert.Equal(t, trade.StateMediationResolvedSeller.Name(), stateName(t, svc, id))
}

func TestMediationRequestFromStrangerRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, _ := newTradeService(t, mediatorID)
	id := uuid.New()

	body := mustMarshal(t, trade.MediationRequest{
		Maker:     makerID,
		Taker:     takerID,
		Direction: trade.DirectionSell.Tag(),
	})
	require.Error(t, svc.ApplyEnvelope(ctx, strangerID, envelope(id, strangerID, trade.KindMediationRequest, body)))
	store.Lock()
	assert.Empty(t, store.trades, "no aggregate for a forged dispute")
	store.Unlock()
}

func TestMediationRequestOnNonMediatorNodeRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, _ := newTradeService(t, takerID)
	id := uuid.New()

	body := mustMarshal(t, trade.MediationRequest{
		Maker:     makerID,
		Taker:     takerID,
		Direction: trade.DirectionSell.Tag(),
	})
	require.Error(t, svc.ApplyEnvelope(ctx, makerID, envelope(id, makerID, trade.KindMediationRequest, body)))
	store.Lock()
	assert.Empty(t, store.trades)
	store.Unlock()
}

func TestUnknownMessageKindEscalates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTradeService(t, takerID)
	id, _, err := svc.TakeOffer(ctx, makerID, trade.DirectionBuy, takerSignature)
	require.NoError(t, err)

	err = svc.ApplyEnvelope(ctx, makerID, envelope(id, makerID, "settlement_proposal", []byte(`{}`)))
	var decErr *trade.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "kind", decErr.Field)
	assert.Equal(t, trade.StateMediationRequested.Name(), stateName(t, svc, id),
		"a message this node can not understand is a dispute, not a shrug")
}
