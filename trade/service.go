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
	"errors"
	"fmt"

	"github.com/go-tradenet/tradecore/fsm"
	"github.com/go-tradenet/tradecore/logging"
	"github.com/go-tradenet/tradecore/transport"
	"github.com/google/uuid"
)

// storePersister adapts the trade store to the engine's persister: a
// committed transition is saved, which also releases the trade's write lock.
type storePersister struct {
	store Store
}

func (p storePersister) Persist(ctx context.Context, agg fsm.Aggregate) error {
	t, err := asTrade(agg)
	if err != nil {
		return err
	}
	return p.store.PutTrade(ctx, t)
}

// Service exposes the trade operations: the local user actions, and the
// delivery subsystem's sink for inbound messages and delivery events. All of
// them funnel into the engine through the same load-apply-store path, which
// serializes events per trade via the store's write lock.
type Service struct {
	store     Store
	engine    *fsm.Engine
	deliverer Deliverer
	local     transport.Identity
	mediator  transport.Identity
}

// NewService builds the protocol variants and the engine. Construction fails
// on a miswired transition table.
func NewService(
	store Store,
	d Deliverer,
	local, mediator transport.Identity,
	observers *fsm.ObserverRegistry,
) (*Service, error) {
	protocols, err := NewProtocols(d, mediator)
	if err != nil {
		return nil, err
	}
	engine, err := fsm.NewEngine(storePersister{store: store}, observers, protocols...)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:     store,
		engine:    engine,
		deliverer: d,
		local:     local,
		mediator:  mediator,
	}, nil
}

// apply loads the trade for writing, applies the event and releases the
// write lock if the engine did not (the engine only persists, and thereby
// releases, applied transitions).
func (s *Service) apply(ctx context.Context, id uuid.UUID, ev fsm.Event) (fsm.Result, error) {
	t, err := s.store.GetTradeRW(ctx, id)
	if err != nil {
		return fsm.Result{}, err
	}
	res, err := s.engine.Apply(ctx, t, ev)
	if err != nil || !res.Applied() {
		if rerr := s.store.ReleaseTrade(ctx, id); rerr != nil {
			logging.Extract(ctx).Error("Could not release trade", "trade_id", id, "err", rerr)
		}
	}
	return res, err
}

// TakeOffer creates a trade as the taker and fires the take-offer action,
// which queues the request to the maker. The returned id identifies the new
// trade.
func (s *Service) TakeOffer(
	ctx context.Context,
	maker transport.Identity,
	direction Direction,
	contractSignature []byte,
) (uuid.UUID, fsm.Result, error) {
	t := New(ctx, uuid.New(), direction, RoleTaker,
		Party{Identity: maker},
		Party{Identity: s.local, ContractSignature: contractSignature},
	)
	if err := s.store.PutTrade(ctx, t); err != nil {
		return uuid.UUID{}, fsm.Result{}, err
	}
	res, err := s.apply(ctx, t.ID(), fsm.NewEvent(EventTakeOffer, nil))
	return t.ID(), res, err
}

// SendAccountData is the seller's local action handing over payment account
// details. The trade does not advance until the buyer acknowledges the
// message.
func (s *Service) SendAccountData(ctx context.Context, id uuid.UUID, paymentAccount []byte) (fsm.Result, error) {
	return s.apply(ctx, id, fsm.NewEvent(EventSendAccountData, AccountDataIntent{PaymentAccount: paymentAccount}))
}

// Escalate brings the mediator into the trade. A trade already resolved or
// closed can not be escalated; a trade already under mediation is a no-op.
func (s *Service) Escalate(ctx context.Context, id uuid.UUID, reason string) error {
	t, err := s.store.GetTradeRW(ctx, id)
	if err != nil {
		return err
	}
	if Closed(t.CurrentState()) {
		if rerr := s.store.ReleaseTrade(ctx, id); rerr != nil {
			logging.Extract(ctx).Error("Could not release trade", "trade_id", id, "err", rerr)
		}
		return &EscalationError{TradeID: id, State: t.CurrentState().Name(), Reason: reason}
	}
	res, err := s.engine.Apply(ctx, t, fsm.NewEvent(EventEscalate, EscalateIntent{Reason: reason}))
	if err != nil || !res.Applied() {
		if rerr := s.store.ReleaseTrade(ctx, id); rerr != nil {
			logging.Extract(ctx).Error("Could not release trade", "trade_id", id, "err", rerr)
		}
	}
	return err
}

// Resolve is the mediator node's resolution of a disputed trade. It applies
// locally, then queues the outcome to both trading parties so their machines
// advance too.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, winner, note string) (fsm.Result, error) {
	outcome := MediationOutcome{Winner: winner, Note: note}
	kind := EventResolveSeller
	requiredState := StateMediationResolvedSeller
	if winner == WinnerBuyer {
		kind = EventResolveBuyer
		requiredState = StateMediationResolvedBuyer
	}
	res, err := s.apply(ctx, id, fsm.NewEvent(kind, Inbound[MediationOutcome]{
		Sender:    s.local,
		MessageID: uuid.New(),
		Msg:       outcome,
	}))
	if err != nil || !res.Applied() {
		return res, err
	}
	return res, s.broadcast(ctx, id, KindMediationOutcome, requiredState.Name(), outcome)
}

// CloseMediation closes a resolved mediation on the mediator node and tells
// both trading parties.
func (s *Service) CloseMediation(ctx context.Context, id uuid.UUID, note string) (fsm.Result, error) {
	msg := MediationClose{Note: note}
	res, err := s.apply(ctx, id, fsm.NewEvent(EventCloseMediation, Inbound[MediationClose]{
		Sender:    s.local,
		MessageID: uuid.New(),
		Msg:       msg,
	}))
	if err != nil || !res.Applied() {
		return res, err
	}
	return res, s.broadcast(ctx, id, KindMediationClose, StateMediationClosed.Name(), msg)
}

// broadcast queues a message to both trading parties of the trade.
func (s *Service) broadcast(ctx context.Context, id uuid.UUID, kind, requiredState string, msg any) error {
	t, err := s.store.GetTradeR(ctx, id)
	if err != nil {
		return err
	}
	body, err := transport.ValidateAndMarshal(ctx, msg)
	if err != nil {
		return err
	}
	var errs []error
	for _, role := range []Role{RoleMaker, RoleTaker} {
		p, ok := t.Party(role)
		if !ok {
			continue
		}
		if _, err := s.deliverer.Send(ctx, id, p.Identity, kind, requiredState, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns a read-only copy of the trade.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Trade, error) {
	return s.store.GetTradeR(ctx, id)
}

// ApplyDeliveryEvent implements delivery.EventSink. Delivery events the
// current state has no transition for come back Ignored, which is fine: an
// ack for the take-offer request, say, confirms delivery but does not
// advance the trade.
func (s *Service) ApplyDeliveryEvent(ctx context.Context, tradeID uuid.UUID, ev fsm.Event) error {
	_, err := s.apply(ctx, tradeID, ev)
	return err
}

// TradeState implements delivery.EventSink.
func (s *Service) TradeState(ctx context.Context, tradeID uuid.UUID) (string, error) {
	t, err := s.store.GetTradeR(ctx, tradeID)
	if err != nil {
		return "", err
	}
	return t.CurrentState().Name(), nil
}

// ApplyEnvelope implements delivery.EventSink: it maps a deduplicated
// inbound envelope to the matching protocol event. A take-offer request for
// an unknown trade creates the maker-side aggregate. An unknown message kind
// escalates the trade instead of guessing semantics.
func (s *Service) ApplyEnvelope(ctx context.Context, sender transport.Identity, env transport.Envelope) error {
	ctx, logger := logging.InjectLabels(ctx, "trade_id", env.TradeID.String(), "kind", env.Kind)
	switch env.Kind {
	case KindTakeOfferRequest:
		msg, err := transport.UnmarshalAndValidate(ctx, env.Body, TakeOfferRequest{})
		if err != nil {
			return err
		}
		if !sender.Equal(msg.Taker) {
			return fmt.Errorf("take offer request sender does not match the claimed taker")
		}
		if err := s.ensureMakerTrade(ctx, env.TradeID, msg); err != nil {
			return err
		}
		_, err = s.apply(ctx, env.TradeID, fsm.NewEvent(EventOfferTaken, Inbound[TakeOfferRequest]{
			Sender: sender, MessageID: env.MessageID, Msg: msg,
		}))
		return err
	case KindOfferAccepted:
		msg, err := transport.UnmarshalAndValidate(ctx, env.Body, OfferAccepted{})
		if err != nil {
			return err
		}
		_, err = s.apply(ctx, env.TradeID, fsm.NewEvent(EventOfferAccepted, Inbound[OfferAccepted]{
			Sender: sender, MessageID: env.MessageID, Msg: msg,
		}))
		return err
	case KindAccountData:
		msg, err := transport.UnmarshalAndValidate(ctx, env.Body, AccountData{})
		if err != nil {
			return err
		}
		_, err = s.apply(ctx, env.TradeID, fsm.NewEvent(EventAccountDataReceived, Inbound[AccountData]{
			Sender: sender, MessageID: env.MessageID, Msg: msg,
		}))
		return err
	case KindMediationRequest:
		msg, err := transport.UnmarshalAndValidate(ctx, env.Body, MediationRequest{})
		if err != nil {
			return err
		}
		if !s.local.Equal(s.mediator) {
			return fmt.Errorf("this node does not mediate trades")
		}
		if !sender.Equal(msg.Maker) && !sender.Equal(msg.Taker) {
			return fmt.Errorf("mediation request sender is not a party to the trade")
		}
		if err := s.ensureMediatorTrade(ctx, env.TradeID, msg); err != nil {
			return err
		}
		_, err = s.apply(ctx, env.TradeID, fsm.NewEvent(EventEscalate, Inbound[MediationRequest]{
			Sender: sender, MessageID: env.MessageID, Msg: msg,
		}))
		return err
	case KindMediationOutcome:
		msg, err := transport.UnmarshalAndValidate(ctx, env.Body, MediationOutcome{})
		if err != nil {
			return err
		}
		if err := s.ensureMediation(ctx, env.TradeID, sender); err != nil {
			return err
		}
		kind := EventResolveSeller
		if msg.Winner == WinnerBuyer {
			kind = EventResolveBuyer
		}
		_, err = s.apply(ctx, env.TradeID, fsm.NewEvent(kind, Inbound[MediationOutcome]{
			Sender: sender, MessageID: env.MessageID, Msg: msg,
		}))
		return err
	case KindMediationClose:
		msg, err := transport.UnmarshalAndValidate(ctx, env.Body, MediationClose{})
		if err != nil {
			return err
		}
		if err := s.ensureMediation(ctx, env.TradeID, sender); err != nil {
			return err
		}
		_, err = s.apply(ctx, env.TradeID, fsm.NewEvent(EventCloseMediation, Inbound[MediationClose]{
			Sender: sender, MessageID: env.MessageID, Msg: msg,
		}))
		return err
	default:
		logger.Error("Unknown message kind, escalating trade")
		if err := s.Escalate(ctx, env.TradeID, "unknown message kind: "+env.Kind); err != nil {
			logger.Error("Could not escalate trade", "err", err)
		}
		return &DecodeError{Field: "kind", Tag: env.Kind}
	}
}

// ensureMakerTrade creates the maker-side aggregate for an inbound
// take-offer request if it does not exist yet. The request's direction is
// the maker's own offer side.
func (s *Service) ensureMakerTrade(ctx context.Context, id uuid.UUID, msg TakeOfferRequest) error {
	_, err := s.store.GetTradeR(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrTradeNotFound) {
		return err
	}
	direction, err := ParseDirectionTag(msg.Direction)
	if err != nil {
		return err
	}
	t := New(ctx, id, direction, RoleMaker,
		Party{Identity: s.local},
		Party{Identity: msg.Taker},
	)
	return s.store.PutTrade(ctx, t)
}

// ensureMediation escalates a trade that never escalated locally before a
// mediator message is applied. Only the escalating party swapped to the
// mediation variant; the mediator's resolution must reach the other party
// all the same.
func (s *Service) ensureMediation(ctx context.Context, id uuid.UUID, sender transport.Identity) error {
	if !sender.Equal(s.mediator) {
		return nil
	}
	t, err := s.store.GetTradeR(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := t.Party(RoleMediator); ok {
		return nil
	}
	_, err = s.apply(ctx, id, fsm.NewEvent(EventEscalate, EscalateIntent{Reason: "mediator message received"}))
	return err
}

// ensureMediatorTrade creates the mediator-side aggregate for an inbound
// mediation request if it does not exist yet.
func (s *Service) ensureMediatorTrade(ctx context.Context, id uuid.UUID, msg MediationRequest) error {
	_, err := s.store.GetTradeR(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrTradeNotFound) {
		return err
	}
	direction, err := ParseDirectionTag(msg.Direction)
	if err != nil {
		return err
	}
	t := New(ctx, id, direction, RoleMediator,
		Party{Identity: msg.Maker},
		Party{Identity: msg.Taker},
	)
	return s.store.PutTrade(ctx, t)
}
