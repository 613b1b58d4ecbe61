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

// Package persistence contains the storage interfaces for the trade core.
// The implementation packages live below it.
package persistence

import (
	"github.com/go-tradenet/tradecore/delivery"
	"github.com/go-tradenet/tradecore/trade"
)

// StorageProvider is an interface that combines the *Saver interfaces.
type StorageProvider interface {
	TradeSaver
	RecordSaver
}

// TradeSaver stores trade aggregates. It supports both read-only and
// read/write versions; read-only is enforced at save time. The implementer
// handles the per-trade write lock for the read/write instances: GetTradeRW
// acquires it, PutTrade saves and releases it, ReleaseTrade releases it
// without saving. That lock is what serializes event application per trade.
type TradeSaver = trade.Store

// RecordSaver stores outbound message records and the per-trade seen set
// for inbound deduplication, with the same R/RW lock semantics as trades.
type RecordSaver = delivery.RecordStore
