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

	"github.com/google/uuid"
)

// ErrTradeNotFound is returned by stores when no trade exists for the id.
var ErrTradeNotFound = errors.New("trade not found")

// Store is the storage the trade service needs. The R/RW split is the
// single-writer discipline: GetTradeRW acquires the trade's write lock,
// PutTrade saves and releases it, ReleaseTrade releases without saving
// (the rollback path). Read-only copies never touch the lock.
type Store interface {
	GetTradeR(ctx context.Context, id uuid.UUID) (*Trade, error)
	GetTradeRW(ctx context.Context, id uuid.UUID) (*Trade, error)
	PutTrade(ctx context.Context, t *Trade) error
	ReleaseTrade(ctx context.Context, id uuid.UUID) error
}
