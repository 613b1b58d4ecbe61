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

// Package server provides the server subcommand: it wires the store, the
// HTTP transport, the delivery service and the trade service together and
// serves the peer inbox.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-tradenet/tradecore/delivery"
	"github.com/go-tradenet/tradecore/fsm"
	"github.com/go-tradenet/tradecore/internal/cfg"
	"github.com/go-tradenet/tradecore/internal/ui"
	"github.com/go-tradenet/tradecore/logging"
	"github.com/go-tradenet/tradecore/trade"
	"github.com/go-tradenet/tradecore/transport"
	"github.com/justinas/alice"
	sloghttp "github.com/samber/slog-http"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownGrace = 10 * time.Second

// Command is the server subcommand.
var Command = &cobra.Command{
	Use:   "server",
	Short: "Start the trade coordination node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, ok := viper.Get("initCTX").(context.Context)
		if !ok {
			return errors.New("couldn't fetch initial context")
		}
		return run(ctx)
	},
}

func init() {
	cfg.AddPersistentFlag(Command, "server.listenAddr", "listen-address", "Listen address", "0.0.0.0")
	cfg.AddPersistentFlag(Command, "server.port", "port", "Listen port", 8080)
	cfg.AddPersistentFlag(Command, "server.externalURL", "external-url",
		"Base URL peers reach this node on", "http://127.0.0.1:8080")
	cfg.AddPersistentFlag(Command, "server.mediatorURL", "mediator-url",
		"Base URL of the mediator for disputed trades", "http://127.0.0.1:8081")
	cfg.AddPersistentFlag(Command, "server.storage.inMemory", "storage-memory",
		"Use an in-memory database, all data is lost on exit", false)
	cfg.AddPersistentFlag(Command, "server.storage.dbPath", "storage-path",
		"Database directory", "/var/lib/tradecore")
	cfg.AddPersistentFlag(Command, "server.delivery.maxAttempts", "delivery-max-attempts",
		"Send attempts per message before permanent failure", 5)
	cfg.AddPersistentFlag(Command, "server.delivery.initialInterval", "delivery-initial-interval",
		"Delay before the first resend", "500ms")
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := logging.Extract(ctx)

	listenAddr := viper.GetString("server.listenAddr")
	port := viper.GetInt("server.port")
	local := transport.Identity{Address: transport.Address(viper.GetString("server.externalURL"))}
	mediator := transport.Identity{Address: transport.Address(viper.GetString("server.mediatorURL"))}

	store, err := getStorageProvider(ctx)
	if err != nil {
		return err
	}

	policy, err := backoffPolicy()
	if err != nil {
		return err
	}
	deliverySvc := delivery.New(
		ctx, store, transport.NewHTTPTransport(nil), local, policy, delivery.NewObserverRegistry(),
	)
	tradeSvc, err := trade.NewService(store, deliverySvc, local, mediator, fsm.NewObserverRegistry())
	if err != nil {
		return err
	}
	deliverySvc.SetSink(tradeSvc)
	if err := deliverySvc.Recover(ctx); err != nil {
		return err
	}
	deliverySvc.Run()

	handler := alice.New(
		sloghttp.Recovery,
		sloghttp.New(logger),
		logging.NewMiddleware(logger),
		jsonHeaderMiddleware,
	).Then(transport.Routes(deliverySvc))

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", listenAddr, port),
		Handler:           handler,
		ReadHeaderTimeout: 2 * time.Second,
		BaseContext:       func(l net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down, draining inbox and resend queue")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Could not shut down cleanly", "err", err)
		}
	}()

	ui.Info(fmt.Sprintf("Listening on %s:%d as %s", listenAddr, port, local.Address))
	logger.Info("Starting server",
		"listenAddr", listenAddr,
		"port", port,
		"externalURL", local.Address,
		"mediatorURL", mediator.Address,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	deliverySvc.Wait()
	return nil
}

func backoffPolicy() (delivery.BackoffPolicy, error) {
	policy := delivery.DefaultBackoffPolicy()
	policy.MaxAttempts = viper.GetInt("server.delivery.maxAttempts")
	interval, err := time.ParseDuration(viper.GetString("server.delivery.initialInterval"))
	if err != nil {
		return policy, fmt.Errorf("invalid delivery initial interval: %w", err)
	}
	policy.InitialInterval = interval
	return policy, nil
}
