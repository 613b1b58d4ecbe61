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

package trade

import (
	"context"
	"fmt"

	"github.com/go-tradenet/tradecore/delivery"
	"github.com/go-tradenet/tradecore/fsm"
	"github.com/go-tradenet/tradecore/transport"
	"github.com/google/uuid"
)

// Protocol variant names. A trade starts under the easy variant and switches
// to the mediation variant when a mediator is brought in.
const (
	VariantEasy      = "easy-trade/v1"
	VariantMediation = "easy-trade-mediation/v1"
)

// Deliverer is the slice of the delivery service the protocol actions use:
// queue an outbound message, or drop the pending ones for a trade.
type Deliverer interface {
	Send(
		ctx context.Context,
		tradeID uuid.UUID,
		to transport.Identity,
		kind, requiredState string,
		body []byte,
	) (uuid.UUID, error)
	CancelPending(tradeID uuid.UUID)
}

// NewProtocols builds both protocol variants, wired to the given deliverer
// and mediator identity. A ConfigurationError here means the tables are
// miswired and the process should not start.
func NewProtocols(d Deliverer, mediator transport.Identity) ([]*fsm.Protocol, error) {
	easy, err := NewEasyProtocol(d, mediator)
	if err != nil {
		return nil, err
	}
	med, err := NewMediationProtocol(d, mediator)
	if err != nil {
		return nil, err
	}
	return []*fsm.Protocol{easy, med}, nil
}

// NewEasyProtocol builds the happy-path variant. Its table ends open at
// BUYER_ACCOUNT_DATA_RECEIVED so a settlement extension can declare further
// transitions from there.
func NewEasyProtocol(d Deliverer, mediator transport.Identity) (*fsm.Protocol, error) {
	b := fsm.NewBuilder(VariantEasy).AddStates(
		StateInit,
		StateTakeOfferRequestSent,
		StateTakeOfferRequestAccepted,
		StateAccountDataSent,
		StateAccountDataReceived,
		StateMediationRequested,
	)
	addBaseTransitions(b, d, mediator)
	return b.Build()
}

// NewMediationProtocol builds the mediation variant: the full easy table
// plus the mediator-only dispute transitions.
func NewMediationProtocol(d Deliverer, mediator transport.Identity) (*fsm.Protocol, error) {
	b := fsm.NewBuilder(VariantMediation).AddStates(
		StateInit,
		StateTakeOfferRequestSent,
		StateTakeOfferRequestAccepted,
		StateAccountDataSent,
		StateAccountDataReceived,
		StateMediationRequested,
		StateMediationResolvedBuyer,
		StateMediationResolvedSeller,
		StateMediationClosed,
	)
	addBaseTransitions(b, d, mediator)
	b.AddTransition(fsm.Transition{
		From:    StateMediationRequested,
		Event:   EventResolveBuyer,
		To:      StateMediationResolvedBuyer,
		Guard:   guardSenderIsMediator,
		Actions: []fsm.Action{actionRecordInbound[MediationOutcome](KindMediationOutcome)},
	}).AddTransition(fsm.Transition{
		From:    StateMediationRequested,
		Event:   EventResolveSeller,
		To:      StateMediationResolvedSeller,
		Guard:   guardSenderIsMediator,
		Actions: []fsm.Action{actionRecordInbound[MediationOutcome](KindMediationOutcome)},
	}).AddTransition(fsm.Transition{
		From:    StateMediationResolvedBuyer,
		Event:   EventCloseMediation,
		To:      StateMediationClosed,
		Guard:   guardSenderIsMediator,
		Actions: []fsm.Action{actionRecordInbound[MediationClose](KindMediationClose)},
	}).AddTransition(fsm.Transition{
		From:    StateMediationResolvedSeller,
		Event:   EventCloseMediation,
		To:      StateMediationClosed,
		Guard:   guardSenderIsMediator,
		Actions: []fsm.Action{actionRecordInbound[MediationClose](KindMediationClose)},
	})
	return b.Build()
}

// addBaseTransitions declares the transitions shared by both variants,
// including the escalation edges into MEDIATION_REQUESTED. Escalation is
// deliberately also declared on the nominally terminal happy-path end
// state; a completed exchange can still be disputed.
func addBaseTransitions(b *fsm.Builder, d Deliverer, mediator transport.Identity) {
	b.AddTransition(fsm.Transition{
		From:    StateInit,
		Event:   EventTakeOffer,
		To:      StateTakeOfferRequestSent,
		Guard:   guardLocalRole(RoleTaker),
		Actions: []fsm.Action{actionSendTakeOfferRequest(d)},
	}).AddTransition(fsm.Transition{
		From:    StateInit,
		Event:   EventOfferTaken,
		To:      StateTakeOfferRequestAccepted,
		Guard:   guardLocalRole(RoleMaker),
		Actions: []fsm.Action{actionRecordTakeOffer, actionSendAcceptance(d)},
	}).AddTransition(fsm.Transition{
		From:    StateTakeOfferRequestSent,
		Event:   EventOfferAccepted,
		To:      StateTakeOfferRequestAccepted,
		Guard:   guardSenderHasRole(RoleMaker),
		Actions: []fsm.Action{actionRecordAcceptance},
	}).AddTransition(fsm.Transition{
		From:    StateTakeOfferRequestAccepted,
		Event:   EventSendAccountData,
		To:      StateTakeOfferRequestAccepted,
		Guard:   guardLocalIsSeller,
		Actions: []fsm.Action{actionSendAccountData(d)},
	}).AddTransition(fsm.Transition{
		From:  StateTakeOfferRequestAccepted,
		Event: delivery.EventDeliveryAcked,
		To:    StateAccountDataSent,
		Guard: guardAccountDataAck,
	}).AddTransition(fsm.Transition{
		From:    StateTakeOfferRequestAccepted,
		Event:   EventAccountDataReceived,
		To:      StateAccountDataReceived,
		Guard:   guardAccountDataInbound,
		Actions: []fsm.Action{actionRecordAccountData},
	})

	escalatable := []fsm.State{
		StateInit,
		StateTakeOfferRequestSent,
		StateTakeOfferRequestAccepted,
		StateAccountDataSent,
		StateAccountDataReceived,
	}
	for _, from := range escalatable {
		b.AddTransition(fsm.Transition{
			From:    from,
			Event:   EventEscalate,
			To:      StateMediationRequested,
			Actions: []fsm.Action{actionBeginMediation(d, mediator)},
		})
	}
	// Permanent delivery failure escalates too, but only from the states
	// that have a message in flight.
	for _, from := range []fsm.State{
		StateTakeOfferRequestSent,
		StateTakeOfferRequestAccepted,
	} {
		b.AddTransition(fsm.Transition{
			From:    from,
			Event:   delivery.EventDeliveryFailed,
			To:      StateMediationRequested,
			Actions: []fsm.Action{actionBeginMediation(d, mediator)},
		})
	}
}

func asTrade(agg fsm.Aggregate) (*Trade, error) {
	t, ok := agg.(*Trade)
	if !ok {
		return nil, fmt.Errorf("aggregate %s is not a trade", agg.ID())
	}
	return t, nil
}

func payloadAs[T any](ev fsm.Event) (T, error) {
	p, ok := ev.Payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected payload %T for event %s", ev.Payload, ev.Kind)
	}
	return p, nil
}

func guardLocalRole(role Role) fsm.Guard {
	return func(_ context.Context, agg fsm.Aggregate, _ fsm.Event) error {
		t, err := asTrade(agg)
		if err != nil {
			return err
		}
		if t.GetLocalRole() != role {
			return fmt.Errorf("only the %s may do this, this node is the %s", role, t.GetLocalRole())
		}
		return nil
	}
}

func guardLocalIsSeller(_ context.Context, agg fsm.Aggregate, _ fsm.Event) error {
	t, err := asTrade(agg)
	if err != nil {
		return err
	}
	if !t.LocalIsSeller() {
		return fmt.Errorf("only the seller sends account data")
	}
	return nil
}

// guardSenderHasRole checks the authenticated sender identity of an inbound
// message against the party holding the given role. The claimed role inside
// a message body is never trusted.
func guardSenderHasRole(role Role) fsm.Guard {
	return func(_ context.Context, agg fsm.Aggregate, ev fsm.Event) error {
		t, err := asTrade(agg)
		if err != nil {
			return err
		}
		sender, err := eventSender(ev)
		if err != nil {
			return err
		}
		p, ok := t.Party(role)
		if !ok {
			return fmt.Errorf("trade has no %s party", role)
		}
		if !sender.Equal(p.Identity) {
			return fmt.Errorf("sender is not the %s", role)
		}
		return nil
	}
}

func guardSenderIsMediator(ctx context.Context, agg fsm.Aggregate, ev fsm.Event) error {
	return guardSenderHasRole(RoleMediator)(ctx, agg, ev)
}

func guardAccountDataAck(_ context.Context, agg fsm.Aggregate, ev fsm.Event) error {
	t, err := asTrade(agg)
	if err != nil {
		return err
	}
	acked, err := payloadAs[delivery.Acked](ev)
	if err != nil {
		return err
	}
	if acked.Kind != KindAccountData {
		return fmt.Errorf("ack for %s does not advance the trade", acked.Kind)
	}
	if !t.LocalIsSeller() {
		return fmt.Errorf("only the seller advances on an account data ack")
	}
	return nil
}

func guardAccountDataInbound(ctx context.Context, agg fsm.Aggregate, ev fsm.Event) error {
	t, err := asTrade(agg)
	if err != nil {
		return err
	}
	if t.LocalIsSeller() {
		return fmt.Errorf("the seller does not receive account data")
	}
	return guardSenderHasRole(t.Seller().Role)(ctx, agg, ev)
}

// eventSender extracts the authenticated sender from any inbound payload.
func eventSender(ev fsm.Event) (transport.Identity, error) {
	switch p := ev.Payload.(type) {
	case Inbound[TakeOfferRequest]:
		return p.Sender, nil
	case Inbound[OfferAccepted]:
		return p.Sender, nil
	case Inbound[AccountData]:
		return p.Sender, nil
	case Inbound[MediationRequest]:
		return p.Sender, nil
	case Inbound[MediationOutcome]:
		return p.Sender, nil
	case Inbound[MediationClose]:
		return p.Sender, nil
	default:
		return transport.Identity{}, fmt.Errorf("event %s has no sender", ev.Kind)
	}
}

func actionSendTakeOfferRequest(d Deliverer) fsm.Action {
	return func(ctx context.Context, agg fsm.Aggregate, _ fsm.Event) error {
		t, err := asTrade(agg)
		if err != nil {
			return err
		}
		taker, _ := t.Party(RoleTaker)
		maker, _ := t.Party(RoleMaker)
		body, err := transport.ValidateAndMarshal(ctx, TakeOfferRequest{
			Taker:             taker.Identity,
			Direction:         t.GetDirection().Tag(),
			ContractSignature: taker.ContractSignature,
		})
		if err != nil {
			return err
		}
		msgID, err := d.Send(ctx, t.ID(), maker.Identity,
			KindTakeOfferRequest, StateTakeOfferRequestSent.Name(), body)
		if err != nil {
			return err
		}
		t.RecordSent(msgID, KindTakeOfferRequest)
		return nil
	}
}

func actionRecordTakeOffer(_ context.Context, agg fsm.Aggregate, ev fsm.Event) error {
	t, err := asTrade(agg)
	if err != nil {
		return err
	}
	in, err := payloadAs[Inbound[TakeOfferRequest]](ev)
	if err != nil {
		return err
	}
	t.RecordReceived(in.MessageID, KindTakeOfferRequest)
	return t.SetContractSignature(RoleTaker, in.Msg.ContractSignature)
}

func actionSendAcceptance(d Deliverer) fsm.Action {
	return func(ctx context.Context, agg fsm.Aggregate, _ fsm.Event) error {
		t, err := asTrade(agg)
		if err != nil {
			return err
		}
		maker, _ := t.Party(RoleMaker)
		taker, _ := t.Party(RoleTaker)
		body, err := transport.ValidateAndMarshal(ctx, OfferAccepted{
			Maker:             maker.Identity,
			ContractSignature: maker.ContractSignature,
		})
		if err != nil {
			return err
		}
		msgID, err := d.Send(ctx, t.ID(), taker.Identity,
			KindOfferAccepted, StateTakeOfferRequestAccepted.Name(), body)
		if err != nil {
			return err
		}
		t.RecordSent(msgID, KindOfferAccepted)
		return nil
	}
}

func actionRecordAcceptance(_ context.Context, agg fsm.Aggregate, ev fsm.Event) error {
	t, err := asTrade(agg)
	if err != nil {
		return err
	}
	in, err := payloadAs[Inbound[OfferAccepted]](ev)
	if err != nil {
		return err
	}
	t.RecordReceived(in.MessageID, KindOfferAccepted)
	return t.SetContractSignature(RoleMaker, in.Msg.ContractSignature)
}

func actionSendAccountData(d Deliverer) fsm.Action {
	return func(ctx context.Context, agg fsm.Aggregate, ev fsm.Event) error {
		t, err := asTrade(agg)
		if err != nil {
			return err
		}
		intent, err := payloadAs[AccountDataIntent](ev)
		if err != nil {
			return err
		}
		if err := t.SetPaymentAccount(t.Seller().Role, intent.PaymentAccount); err != nil {
			return err
		}
		body, err := transport.ValidateAndMarshal(ctx, AccountData{
			PaymentAccount: intent.PaymentAccount,
		})
		if err != nil {
			return err
		}
		msgID, err := d.Send(ctx, t.ID(), t.Peer().Identity,
			KindAccountData, StateTakeOfferRequestAccepted.Name(), body)
		if err != nil {
			return err
		}
		t.RecordSent(msgID, KindAccountData)
		return nil
	}
}

func actionRecordAccountData(_ context.Context, agg fsm.Aggregate, ev fsm.Event) error {
	t, err := asTrade(agg)
	if err != nil {
		return err
	}
	in, err := payloadAs[Inbound[AccountData]](ev)
	if err != nil {
		return err
	}
	t.RecordReceived(in.MessageID, KindAccountData)
	return t.SetPaymentAccount(t.Seller().Role, in.Msg.PaymentAccount)
}

// actionBeginMediation adds the mediator party, switches the trade to the
// mediation variant and drops any happy-path resends still queued. A trading
// party escalating on its own queues a mediation request so the dispute
// actually reaches the mediator node; an escalation triggered by the
// mediator's own request skips that.
func actionBeginMediation(d Deliverer, mediator transport.Identity) fsm.Action {
	return func(ctx context.Context, agg fsm.Aggregate, ev fsm.Event) error {
		t, err := asTrade(agg)
		if err != nil {
			return err
		}
		if err := t.BeginMediation(Party{Identity: mediator}); err != nil {
			return err
		}
		d.CancelPending(t.ID())
		if in, ok := ev.Payload.(Inbound[MediationRequest]); ok {
			t.RecordReceived(in.MessageID, KindMediationRequest)
			return nil
		}
		if t.GetLocalRole() == RoleMediator {
			return nil
		}
		return sendMediationRequest(ctx, d, t, escalationReason(ev))
	}
}

func escalationReason(ev fsm.Event) string {
	switch p := ev.Payload.(type) {
	case EscalateIntent:
		return p.Reason
	case delivery.PermanentFailure:
		return fmt.Sprintf("delivery of %s failed permanently: %s", p.Kind, p.Reason)
	default:
		return ""
	}
}

func sendMediationRequest(ctx context.Context, d Deliverer, t *Trade, reason string) error {
	maker, _ := t.Party(RoleMaker)
	taker, _ := t.Party(RoleTaker)
	body, err := transport.ValidateAndMarshal(ctx, MediationRequest{
		Maker:     maker.Identity,
		Taker:     taker.Identity,
		Direction: t.GetDirection().Tag(),
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	mediator, _ := t.Party(RoleMediator)
	msgID, err := d.Send(ctx, t.ID(), mediator.Identity,
		KindMediationRequest, StateMediationRequested.Name(), body)
	if err != nil {
		return err
	}
	t.RecordSent(msgID, KindMediationRequest)
	return nil
}

// actionRecordInbound logs an inbound message of the given kind without
// touching anything else on the trade.
func actionRecordInbound[T any](kind string) fsm.Action {
	return func(_ context.Context, agg fsm.Aggregate, ev fsm.Event) error {
		t, err := asTrade(agg)
		if err != nil {
			return err
		}
		in, err := payloadAs[Inbound[T]](ev)
		if err != nil {
			return err
		}
		t.RecordReceived(in.MessageID, kind)
		return nil
	}
}
