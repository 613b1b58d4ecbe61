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
	"github.com/go-tradenet/tradecore/logging"
	"github.com/go-tradenet/tradecore/trade"
	"github.com/google/uuid"
)

// GetTradeR gets a trade and sets the read-only property.
// It does not check any locks, as the database transaction already freezes
// the view.
func (sp *StorageProvider) GetTradeR(ctx context.Context, id uuid.UUID) (*trade.Trade, error) {
	key := trade.GenerateStorageKey(id)
	ctx, logger := logging.InjectLabels(ctx, "trade_id", id.String(), "key", string(key))
	b, err := get(sp.db, key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", trade.ErrTradeNotFound, id)
		}
		logger.Error("Could not get trade", "err", err)
		return nil, err
	}
	t, err := decodeTrade(ctx, b)
	if err != nil {
		return nil, err
	}
	t.SetReadOnly()
	return t, nil
}

// GetTradeRW gets a trade but does NOT set the read-only property, allowing
// changes to be saved. It will try to acquire the trade's lock, and if it
// can't it will panic. The panic will be replaced once tradecore reaches
// beta, but right now we want trade problems to be extremely visible.
func (sp *StorageProvider) GetTradeRW(ctx context.Context, id uuid.UUID) (*trade.Trade, error) {
	key := trade.GenerateStorageKey(id)
	ctx, _ = logging.InjectLabels(ctx, "type", "trade", "trade_id", id.String(), "key", string(key))
	b, err := getLocked(ctx, sp, key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", trade.ErrTradeNotFound, id)
		}
		return nil, err
	}

	t, err := decodeTrade(ctx, b)
	if err != nil {
		_ = sp.ReleaseLock(ctx, newLockKey(key))
		return nil, err
	}

	return t, nil
}

// PutTrade saves a trade to the database.
// If the trade is set to read-only, it will panic as this is a bug in the
// code. It will release the lock after it has saved.
func (sp *StorageProvider) PutTrade(ctx context.Context, t *trade.Trade) error {
	return putUnlock(ctx, sp, t)
}

// ReleaseTrade releases the trade's lock without saving, discarding any
// unsaved modifications.
func (sp *StorageProvider) ReleaseTrade(ctx context.Context, id uuid.UUID) error {
	return sp.ReleaseLock(ctx, newLockKey(trade.GenerateStorageKey(id)))
}

// decodeTrade deserialises a stored trade. A trade with an unknown state tag
// comes back forced into mediation; that is surfaced loudly here, not
// treated as corruption.
func decodeTrade(ctx context.Context, b []byte) (*trade.Trade, error) {
	t, err := trade.FromBytes(b)
	if err != nil {
		var derr *trade.DecodeError
		if errors.As(err, &derr) && t != nil {
			logging.Extract(ctx).Error("Stored trade has an unknown tag, flagged for mediation", "err", err)
			return t, nil
		}
		return nil, err
	}
	return t, nil
}
