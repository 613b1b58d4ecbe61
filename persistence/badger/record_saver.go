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

package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-tradenet/tradecore/delivery"
	"github.com/go-tradenet/tradecore/logging"
	"github.com/google/uuid"
)

// Outbound records are keyed per trade; the pointer key maps a bare message
// id to the full record key so transport reports, which only carry the
// message id, can find their record.
func outboundPointerKey(messageID uuid.UUID) []byte {
	return []byte("outboundptr-" + messageID.String())
}

func inboundSeenKey(tradeID, messageID uuid.UUID) []byte {
	return []byte("inbound-" + tradeID.String() + "-" + messageID.String())
}

func (sp *StorageProvider) resolveOutboundKey(messageID uuid.UUID) ([]byte, error) {
	key, err := get(sp.db, outboundPointerKey(messageID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", delivery.ErrRecordNotFound, messageID)
		}
		return nil, err
	}
	return key, nil
}

// GetOutbound gets a read-only view of an outbound record.
func (sp *StorageProvider) GetOutbound(
	ctx context.Context,
	messageID uuid.UUID,
) (*delivery.OutboundRecord, error) {
	key, err := sp.resolveOutboundKey(messageID)
	if err != nil {
		return nil, err
	}
	b, err := get(sp.db, key)
	if err != nil {
		logging.Extract(ctx).Error("Could not get record", "key", string(key), "err", err)
		return nil, err
	}
	return delivery.RecordFromBytes(b)
}

// GetOutboundRW gets an outbound record and acquires its write lock. The
// matching PutOutbound or ReleaseOutbound releases it.
func (sp *StorageProvider) GetOutboundRW(
	ctx context.Context,
	messageID uuid.UUID,
) (*delivery.OutboundRecord, error) {
	key, err := sp.resolveOutboundKey(messageID)
	if err != nil {
		return nil, err
	}
	ctx, _ = logging.InjectLabels(ctx, "type", "outbound_record", "key", string(key))
	b, err := getLocked(ctx, sp, key)
	if err != nil {
		return nil, err
	}
	rec, err := delivery.RecordFromBytes(b)
	if err != nil {
		_ = sp.ReleaseLock(ctx, newLockKey(key))
		return nil, err
	}
	return rec, nil
}

// PutOutbound saves an outbound record and its pointer key, then releases
// the record's lock. For a fresh record the release is a no-op.
func (sp *StorageProvider) PutOutbound(ctx context.Context, rec *delivery.OutboundRecord) error {
	key := rec.StorageKey()
	logger := logging.Extract(ctx).With("key", string(key))
	b, err := rec.ToBytes()
	if err != nil {
		return err
	}
	logger.Debug("Writing record to store")
	err = sp.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, b); err != nil {
			return err
		}
		return txn.Set(outboundPointerKey(rec.MessageID), key)
	})
	if err != nil {
		logger.Error("Could not save record, not releasing lock", "err", err)
		return err
	}
	return sp.ReleaseLock(ctx, newLockKey(key))
}

// ReleaseOutbound releases a record's lock without saving.
func (sp *StorageProvider) ReleaseOutbound(ctx context.Context, messageID uuid.UUID) error {
	key, err := sp.resolveOutboundKey(messageID)
	if err != nil {
		return err
	}
	return sp.ReleaseLock(ctx, newLockKey(key))
}

// ListOutbound returns all outbound records of a trade, oldest first by key
// order.
func (sp *StorageProvider) ListOutbound(
	ctx context.Context,
	tradeID uuid.UUID,
) ([]*delivery.OutboundRecord, error) {
	return sp.listRecords(ctx, []byte("outbound-"+tradeID.String()+"-"), nil)
}

// ListPending returns the outbound records across all trades that are still
// waiting on a transport report, for requeueing after a restart.
func (sp *StorageProvider) ListPending(ctx context.Context) ([]*delivery.OutboundRecord, error) {
	return sp.listRecords(ctx, []byte("outbound-"), func(rec *delivery.OutboundRecord) bool {
		return rec.Status == delivery.StatusSent
	})
}

func (sp *StorageProvider) listRecords(
	ctx context.Context,
	prefix []byte,
	keep func(*delivery.OutboundRecord) bool,
) ([]*delivery.OutboundRecord, error) {
	values, err := getAll(sp.db, prefix)
	if err != nil {
		logging.Extract(ctx).Error("Could not list records", "prefix", string(prefix), "err", err)
		return nil, err
	}
	records := make([]*delivery.OutboundRecord, 0, len(values))
	for _, v := range values {
		rec, err := delivery.RecordFromBytes(v)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(rec) {
			records = append(records, rec)
		}
	}
	return records, nil
}

// MarkInboundSeen adds the message id to the trade's seen set and reports
// whether it was already there. Check and insert run in one transaction;
// when two deliveries of the same message race, badger's conflict detection
// lets exactly one of them claim it.
func (sp *StorageProvider) MarkInboundSeen(ctx context.Context, tradeID, messageID uuid.UUID) (bool, error) {
	key := inboundSeenKey(tradeID, messageID)
	seen := false
	err := sp.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			seen = true
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, []byte{1})
	})
	if err != nil {
		logging.Extract(ctx).Error("Could not update seen set", "err", err)
		return false, err
	}
	return seen, nil
}

// ClearInboundSeen drops the message id from the trade's seen set.
func (sp *StorageProvider) ClearInboundSeen(_ context.Context, tradeID, messageID uuid.UUID) error {
	return sp.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(inboundSeenKey(tradeID, messageID))
	})
}
