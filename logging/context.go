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

package logging

import (
	"context"
	"log/slog"
)

type contextKeyType string

const contextKey contextKeyType = "logger"

// Inject returns a context with the given logger injected.
func Inject(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey, logger)
}

// Extract returns the logger contained in the context, or the default logger
// if the context doesn't carry one.
func Extract(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(contextKey).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return logger
}

// InjectLabels adds the given key/value pairs to the context logger, and
// returns both the updated context and the labelled logger.
func InjectLabels(ctx context.Context, kv ...any) (context.Context, *slog.Logger) {
	logger := Extract(ctx).With(kv...)
	return Inject(ctx, logger), logger
}
