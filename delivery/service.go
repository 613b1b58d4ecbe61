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
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/go-tradenet/tradecore/fsm"
	"github.com/go-tradenet/tradecore/logging"
	"github.com/go-tradenet/tradecore/transport"
	"github.com/google/uuid"
)

const (
	initialQueueSize = 100
	queueTickMillis  = 10
	workers          = 1
)

// RecordStore is the storage the delivery subsystem needs: outbound message
// records plus the per-trade seen set for inbound deduplication. The R/RW
// split follows the same write-lock discipline as the trade store:
// GetOutboundRW locks the record, PutOutbound saves and releases,
// ReleaseOutbound releases without saving.
//
// MarkInboundSeen must check and insert in one transaction and report
// whether the id was already present; concurrent deliveries of the same
// message race on it and exactly one may win. ClearInboundSeen undoes a
// claim whose processing failed, so a resend gets another chance.
type RecordStore interface {
	GetOutbound(ctx context.Context, messageID uuid.UUID) (*OutboundRecord, error)
	GetOutboundRW(ctx context.Context, messageID uuid.UUID) (*OutboundRecord, error)
	PutOutbound(ctx context.Context, rec *OutboundRecord) error
	ReleaseOutbound(ctx context.Context, messageID uuid.UUID) error
	ListOutbound(ctx context.Context, tradeID uuid.UUID) ([]*OutboundRecord, error)
	ListPending(ctx context.Context) ([]*OutboundRecord, error)
	MarkInboundSeen(ctx context.Context, tradeID, messageID uuid.UUID) (bool, error)
	ClearInboundSeen(ctx context.Context, tradeID, messageID uuid.UUID) error
}

// BackoffPolicy bounds the resend behaviour for failed sends.
type BackoffPolicy struct {
	// InitialInterval is the delay before the first resend.
	InitialInterval time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// RandomizationFactor spreads the actual delay around the computed one.
	RandomizationFactor float64
	// MaxAttempts caps the total number of sends of one logical message.
	MaxAttempts int
}

// DefaultBackoffPolicy returns the policy used when none is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialInterval:     500 * time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxAttempts:         5,
	}
}

// baseInterval returns the undithered delay before the given attempt.
// It is monotonically non-decreasing in the attempt number.
func (p BackoffPolicy) baseInterval(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialInterval
	}
	return time.Duration(float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1)))
}

// nextAttempt dithers the base interval by the randomization factor, like
// any sane backoff does, so two peers don't resend in lockstep.
func (p BackoffPolicy) nextAttempt(attempt int) time.Time {
	ci := float64(p.baseInterval(attempt))
	delta := p.RandomizationFactor * ci
	minInterval := ci - delta
	maxInterval := ci + delta
	//nolint:gosec // This is not a security use of rand.
	randomValue := time.Duration(minInterval + (rand.Float64() * (maxInterval - minInterval + 1)))
	return time.Now().Add(randomValue)
}

// sendOp is one queued (re)send of an outbound record.
type sendOp struct {
	MessageID   uuid.UUID
	TradeID     uuid.UUID
	Submitted   time.Time
	NextAttempt time.Time
	Attempt     int
	Gen         uint64
}

// Service is the confidential message delivery subsystem. Sends are
// fire-and-forget from the FSM's point of view: Send returns a tracking id
// immediately and all waiting on network I/O happens in the worker
// goroutine, never inside a trade's state commit path.
type Service struct {
	ctx       context.Context
	store     RecordStore
	transport transport.Transport
	local     transport.Identity
	policy    BackoffPolicy
	observers *ObserverRegistry

	sink EventSink

	c chan sendOp
	q *deque.Deque[sendOp]

	// gens holds a per-trade cancellation generation; queued ops stamped
	// with an older generation are dropped instead of sent.
	gens map[uuid.UUID]uint64

	wg sync.WaitGroup
	sync.Mutex
}

// New returns a delivery service. Call SetSink before Run; the sink is a
// separate call purely because the trade service and the delivery service
// reference each other.
func New(
	ctx context.Context,
	store RecordStore,
	tr transport.Transport,
	local transport.Identity,
	policy BackoffPolicy,
	observers *ObserverRegistry,
) *Service {
	q := &deque.Deque[sendOp]{}
	q.Grow(initialQueueSize)
	return &Service{
		ctx:       ctx,
		store:     store,
		transport: tr,
		local:     local,
		policy:    policy,
		observers: observers,
		c:         make(chan sendOp),
		q:         q,
		gens:      make(map[uuid.UUID]uint64),
	}
}

// SetSink wires the event sink. Must be called before Run.
func (s *Service) SetSink(sink EventSink) { s.sink = sink }

// Run starts the queue manager and send workers. They exit when the service
// context is cancelled; Wait blocks until they have drained.
func (s *Service) Run() {
	s.wg.Add(1 + workers)
	go s.manager()
	for range workers {
		go s.worker()
	}
}

// Wait blocks until the manager and workers have exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Send creates an outbound record for the payload and queues the actual
// network send. The record is durable before Send returns; delivery status
// arrives later through the transport callbacks.
func (s *Service) Send(
	ctx context.Context,
	tradeID uuid.UUID,
	to transport.Identity,
	kind, requiredState string,
	body []byte,
) (uuid.UUID, error) {
	rec := &OutboundRecord{
		MessageID:     uuid.New(),
		TradeID:       tradeID,
		Target:        to,
		Kind:          kind,
		RequiredState: requiredState,
		Body:          body,
		Status:        StatusSent,
		SentAt:        time.Now(),
		Attempt:       1,
	}
	if err := s.store.PutOutbound(ctx, rec); err != nil {
		return uuid.UUID{}, err
	}
	logging.Extract(ctx).Debug("Queued outbound message",
		"message_id", rec.MessageID, "kind", kind, "target", to.Address)
	s.enqueue(sendOp{
		MessageID:   rec.MessageID,
		TradeID:     tradeID,
		Submitted:   time.Now(),
		NextAttempt: time.Now(),
		Attempt:     1,
		Gen:         s.generation(tradeID),
	})
	return rec.MessageID, nil
}

// Recover requeues sends that were still pending when the process last
// stopped, so a restart picks up where it left off. Call before Run.
func (s *Service) Recover(ctx context.Context) error {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		s.enqueue(sendOp{
			MessageID:   rec.MessageID,
			TradeID:     rec.TradeID,
			Submitted:   time.Now(),
			NextAttempt: time.Now(),
			Attempt:     rec.Attempt,
			Gen:         s.generation(rec.TradeID),
		})
	}
	logging.Extract(ctx).Info("Requeued pending sends", "count", len(pending))
	return nil
}

// CancelPending drops all queued sends and future resends for the trade.
// Sends issued after the call are unaffected. Used when the trade reaches a
// state that supersedes the pending messages, e.g. mediation escalation.
func (s *Service) CancelPending(tradeID uuid.UUID) {
	s.Lock()
	defer s.Unlock()
	s.gens[tradeID]++
}

func (s *Service) generation(tradeID uuid.UUID) uint64 {
	s.Lock()
	defer s.Unlock()
	return s.gens[tradeID]
}

func (s *Service) release(ctx context.Context, messageID uuid.UUID) {
	if err := s.store.ReleaseOutbound(ctx, messageID); err != nil {
		logging.Extract(ctx).Error("Could not release record", "err", err)
	}
}

func (s *Service) enqueue(op sendOp) {
	s.Lock()
	defer s.Unlock()
	s.q.PushBack(op)
}

// manager shuffles due operations to the workers. Each tick walks the queue
// once, forwarding everything that is due and rotating the rest to the back;
// the ticker is there to not hammer the queue in a tight loop.
func (s *Service) manager() {
	ticker := time.NewTicker(queueTickMillis * time.Millisecond)
	for {
		select {
		case <-ticker.C:
			for range s.queueLen() {
				s.Lock()
				op := s.q.PopFront()
				s.Unlock()
				if time.Now().After(op.NextAttempt) {
					s.c <- op
					continue
				}
				s.Lock()
				s.q.PushBack(op)
				s.Unlock()
			}
		case <-s.ctx.Done():
			ticker.Stop()
			s.wg.Done()
			return
		}
	}
}

func (s *Service) queueLen() int {
	s.Lock()
	defer s.Unlock()
	return s.q.Len()
}

func (s *Service) worker() {
	rLogger := logging.Extract(s.ctx)
	rLogger.Info("Starting delivery send loop")
	for {
		select {
		case op := <-s.c:
			s.process(op)
		case <-s.ctx.Done():
			rLogger.Info("Context done called, exiting.")
			s.wg.Done()
			return
		}
	}
}

func (s *Service) process(op sendOp) {
	ctx := context.WithoutCancel(s.ctx)
	ctx, logger := logging.InjectLabels(ctx,
		"message_id", op.MessageID.String(),
		"trade_id", op.TradeID.String(),
		"attempt", op.Attempt,
	)
	if op.Gen < s.generation(op.TradeID) {
		logger.Debug("Send cancelled, dropping")
		return
	}
	rec, err := s.store.GetOutbound(ctx, op.MessageID)
	if err != nil {
		logger.Error("Outbound record vanished, dropping", "err", err)
		return
	}
	if rec.Status != StatusSent {
		// An ack or failure report overtook the queued send.
		logger.Debug("Record no longer pending, dropping", "status", rec.Status)
		return
	}
	env := transport.Envelope{
		TradeID:   rec.TradeID,
		MessageID: rec.MessageID,
		Kind:      rec.Kind,
		Sender:    s.local,
		Body:      rec.Body,
	}
	receipt, err := s.transport.SendConfidential(ctx, rec.Target.Address, env)
	if err != nil {
		logger.Error("Transport send failed", "err", err)
		s.OnFailed(ctx, rec.MessageID, err.Error())
		return
	}
	if receipt == transport.ReceiptStored {
		s.OnStored(ctx, rec.MessageID)
	}
}

// OnDelivered handles the transport's acknowledgment report. The matching
// record moves to ACK_RECEIVED and exactly one DeliveryAcked event reaches
// the trade; a duplicate ack is absorbed by the forward-only status check.
func (s *Service) OnDelivered(ctx context.Context, messageID uuid.UUID) {
	ctx, logger := logging.InjectLabels(ctx, "message_id", messageID.String())
	rec, err := s.store.GetOutboundRW(ctx, messageID)
	if err != nil {
		logger.Error("Ack for unknown message", "err", err)
		return
	}
	if err := rec.AdvanceStatus(StatusAckReceived); err != nil {
		logger.Debug("Dropping stale ack", "err", err)
		s.release(ctx, messageID)
		return
	}
	if err := s.store.PutOutbound(ctx, rec); err != nil {
		logger.Error("Could not save record", "err", err)
		return
	}
	s.observers.notifyStatusChanged(rec.TradeID, rec.MessageID, rec.Status)
	ev := fsm.NewEvent(EventDeliveryAcked, Acked{MessageID: rec.MessageID, Kind: rec.Kind})
	if err := s.sink.ApplyDeliveryEvent(ctx, rec.TradeID, ev); err != nil {
		logger.Error("Could not apply ack event", "err", err)
	}
}

// OnStored handles the transport's mailbox report.
func (s *Service) OnStored(ctx context.Context, messageID uuid.UUID) {
	ctx, logger := logging.InjectLabels(ctx, "message_id", messageID.String())
	rec, err := s.store.GetOutboundRW(ctx, messageID)
	if err != nil {
		logger.Error("Mailbox report for unknown message", "err", err)
		return
	}
	if err := rec.AdvanceStatus(StatusMailboxStored); err != nil {
		logger.Debug("Dropping stale mailbox report", "err", err)
		s.release(ctx, messageID)
		return
	}
	if err := s.store.PutOutbound(ctx, rec); err != nil {
		logger.Error("Could not save record", "err", err)
		return
	}
	s.observers.notifyStatusChanged(rec.TradeID, rec.MessageID, rec.Status)
}

// OnFailed handles a send failure. The failed record is terminal; if the
// trade still sits in the state that required the message and attempts
// remain, a successor record is queued with backoff. Exhausting the policy
// yields exactly one permanent-failure event for the chain.
func (s *Service) OnFailed(ctx context.Context, messageID uuid.UUID, reason string) {
	ctx, logger := logging.InjectLabels(ctx, "message_id", messageID.String(), "reason", reason)
	rec, err := s.store.GetOutboundRW(ctx, messageID)
	if err != nil {
		logger.Error("Failure report for unknown message", "err", err)
		return
	}
	if err := rec.AdvanceStatus(StatusFailed); err != nil {
		logger.Debug("Dropping duplicate failure report", "err", err)
		s.release(ctx, messageID)
		return
	}
	if err := s.store.PutOutbound(ctx, rec); err != nil {
		logger.Error("Could not save record", "err", err)
		return
	}
	s.observers.notifyStatusChanged(rec.TradeID, rec.MessageID, rec.Status)

	if rec.Attempt >= s.policy.MaxAttempts {
		logger.Info("Resend attempts exhausted, raising permanent failure")
		ev := fsm.NewEvent(EventDeliveryFailed, PermanentFailure{
			MessageID: rec.MessageID,
			Kind:      rec.Kind,
			Reason:    reason,
			Attempts:  rec.Attempt,
		})
		if err := s.sink.ApplyDeliveryEvent(ctx, rec.TradeID, ev); err != nil {
			logger.Error("Could not apply permanent failure event", "err", err)
		}
		return
	}

	state, err := s.sink.TradeState(ctx, rec.TradeID)
	if err != nil {
		logger.Error("Could not look up trade state", "err", err)
		return
	}
	if state != rec.RequiredState {
		logger.Debug("Trade has moved on, not resending", "state", state)
		return
	}

	successor := rec.Successor()
	if err := s.store.PutOutbound(ctx, successor); err != nil {
		logger.Error("Could not save resend record", "err", err)
		return
	}
	logger.Info("Scheduling resend",
		"successor_id", successor.MessageID, "attempt", successor.Attempt)
	s.enqueue(sendOp{
		MessageID:   successor.MessageID,
		TradeID:     successor.TradeID,
		Submitted:   time.Now(),
		NextAttempt: s.policy.nextAttempt(successor.Attempt),
		Attempt:     successor.Attempt,
		Gen:         s.generation(successor.TradeID),
	})
}

// OnReceived handles an inbound envelope. The sender is acknowledged
// unconditionally, duplicates included, because its own ack may have been
// lost; only the first delivery of a message id reaches the FSM.
func (s *Service) OnReceived(ctx context.Context, sender transport.Identity, env transport.Envelope) {
	ctx, logger := logging.InjectLabels(ctx,
		"message_id", env.MessageID.String(),
		"trade_id", env.TradeID.String(),
		"kind", env.Kind,
		"sender", sender.Address.String(),
	)
	if err := s.transport.SendAck(ctx, sender.Address, env.MessageID); err != nil {
		logger.Error("Could not ack inbound message", "err", err)
	}
	already, err := s.store.MarkInboundSeen(ctx, env.TradeID, env.MessageID)
	if err != nil {
		logger.Error("Could not claim message in seen set", "err", err)
		return
	}
	if already {
		logger.Debug("Duplicate inbound message, acked and dropped")
		return
	}
	if err := s.sink.ApplyEnvelope(ctx, sender, env); err != nil {
		logger.Error("Could not apply inbound message", "err", err)
		// Give the claim back so the sender's resend is not swallowed.
		if cerr := s.store.ClearInboundSeen(ctx, env.TradeID, env.MessageID); cerr != nil {
			logger.Error("Could not clear seen claim", "err", cerr)
		}
	}
}
