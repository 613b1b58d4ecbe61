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

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-tradenet/tradecore/logging"
	"github.com/google/uuid"
)

// AckMessage acknowledges receipt of a single confidential message.
type AckMessage struct {
	MessageID uuid.UUID `json:"messageId" validate:"required"`
}

// HTTPTransport is the reference Transport implementation: peers exchange
// JSON envelopes over plain HTTP inbox endpoints. It exists so two tradecore
// nodes can talk to each other without a dedicated messaging network;
// end-to-end encryption stays the job of whatever transport replaces it in
// production.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns an HTTP transport using the given client, or
// http.DefaultClient if nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{Client: client}
}

// SendConfidential POSTs the envelope to the peer's inbox. A 202 response
// means the peer-side relay queued the message for an offline recipient.
func (ht *HTTPTransport) SendConfidential(ctx context.Context, to Address, env Envelope) (Receipt, error) {
	body, err := ValidateAndMarshal(ctx, env)
	if err != nil {
		return ReceiptSent, err
	}
	status, err := ht.post(ctx, string(to)+"/inbox", body)
	if err != nil {
		return ReceiptSent, err
	}
	if status == http.StatusAccepted {
		return ReceiptStored, nil
	}
	return ReceiptSent, nil
}

// SendAck POSTs an acknowledgment for the given message id to the peer's
// ack endpoint.
func (ht *HTTPTransport) SendAck(ctx context.Context, to Address, messageID uuid.UUID) error {
	body, err := ValidateAndMarshal(ctx, AckMessage{MessageID: messageID})
	if err != nil {
		return err
	}
	_, err = ht.post(ctx, string(to)+"/inbox/ack", body)
	return err
}

func (ht *HTTPTransport) post(ctx context.Context, url string, reqBody []byte) (int, error) {
	logger := logging.Extract(ctx).With("target_url", url)
	logger.Debug("Doing HTTP request")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		logger.Error("Failed to create request", "err", err)
		return 0, err
	}
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	resp, err := ht.Client.Do(req)
	if err != nil {
		logger.Error("Failed to send request", "err", err)
		return 0, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		logger.Error("Failed to drain body", "err", err)
		return resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Error("Received non-200 status code", "status_code", resp.StatusCode)
		return resp.StatusCode, fmt.Errorf("non-200 status code: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Routes returns the inbox endpoints that feed inbound traffic to the given
// handler. The caller is responsible for wrapping them in middleware.
func Routes(h Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /inbox", func(w http.ResponseWriter, r *http.Request) {
		env, err := DecodeValid[Envelope](r)
		if err != nil {
			http.Error(w, "invalid envelope", http.StatusBadRequest)
			return
		}
		h.OnReceived(r.Context(), env.Sender, env)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /inbox/ack", func(w http.ResponseWriter, r *http.Request) {
		ack, err := DecodeValid[AckMessage](r)
		if err != nil {
			http.Error(w, "invalid ack", http.StatusBadRequest)
			return
		}
		h.OnDelivered(r.Context(), ack.MessageID)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
