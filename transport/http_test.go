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

package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-tradenet/tradecore/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tradeID   = uuid.MustParse("3668a16a-faf2-4c5a-9e4a-da4e2accc9e1")
	messageID = uuid.MustParse("c95639b6-d2ed-4a3b-b12e-e7a28b0bbb67")
	sender    = transport.Identity{Address: "http://sender.example.com:8080"}
)

func testEnvelope() transport.Envelope {
	return transport.Envelope{
		TradeID:   tradeID,
		MessageID: messageID,
		Kind:      "account_data",
		Sender:    sender,
		Body:      json.RawMessage(`{"paymentAccount":"aWJhbg=="}`),
	}
}

// inboxServer records the last request it saw and answers with the
// configured status.
type inboxServer struct {
	status         int
	receivedMethod string
	receivedPath   string
	receivedBody   []byte
}

func (s *inboxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.receivedMethod = r.Method
	s.receivedPath = r.URL.Path
	s.receivedBody, _ = io.ReadAll(r.Body)
	w.WriteHeader(s.status)
}

func TestSendConfidential(t *testing.T) {
	t.Parallel()
	inbox := &inboxServer{status: http.StatusOK}
	srv := httptest.NewServer(inbox)
	defer srv.Close()
	ht := transport.NewHTTPTransport(srv.Client())

	receipt, err := ht.SendConfidential(context.Background(), transport.Address(srv.URL), testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, transport.ReceiptSent, receipt)
	assert.Equal(t, http.MethodPost, inbox.receivedMethod)
	assert.Equal(t, "/inbox", inbox.receivedPath)
	var env transport.Envelope
	require.NoError(t, json.Unmarshal(inbox.receivedBody, &env))
	assert.Equal(t, messageID, env.MessageID)
	assert.Equal(t, "account_data", env.Kind)
}

func TestSendConfidentialMailboxStored(t *testing.T) {
	t.Parallel()
	inbox := &inboxServer{status: http.StatusAccepted}
	srv := httptest.NewServer(inbox)
	defer srv.Close()
	ht := transport.NewHTTPTransport(srv.Client())

	receipt, err := ht.SendConfidential(context.Background(), transport.Address(srv.URL), testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, transport.ReceiptStored, receipt)
}

func TestSendConfidentialServerError(t *testing.T) {
	t.Parallel()
	inbox := &inboxServer{status: http.StatusBadGateway}
	srv := httptest.NewServer(inbox)
	defer srv.Close()
	ht := transport.NewHTTPTransport(srv.Client())

	_, err := ht.SendConfidential(context.Background(), transport.Address(srv.URL), testEnvelope())
	assert.Error(t, err)
}

func TestSendConfidentialRejectsInvalidEnvelope(t *testing.T) {
	t.Parallel()
	inbox := &inboxServer{status: http.StatusOK}
	srv := httptest.NewServer(inbox)
	defer srv.Close()
	ht := transport.NewHTTPTransport(srv.Client())

	env := testEnvelope()
	env.Kind = ""
	_, err := ht.SendConfidential(context.Background(), transport.Address(srv.URL), env)
	assert.Error(t, err)
	assert.Empty(t, inbox.receivedMethod, "an invalid envelope never reaches the wire")
}

func TestSendAck(t *testing.T) {
	t.Parallel()
	inbox := &inboxServer{status: http.StatusOK}
	srv := httptest.NewServer(inbox)
	defer srv.Close()
	ht := transport.NewHTTPTransport(srv.Client())

	require.NoError(t, ht.SendAck(context.Background(), transport.Address(srv.URL), messageID))
	assert.Equal(t, "/inbox/ack", inbox.receivedPath)
	var ack transport.AckMessage
	require.NoError(t, json.Unmarshal(inbox.receivedBody, &ack))
	assert.Equal(t, messageID, ack.MessageID)
}

// mockHandler records which report came in.
type mockHandler struct {
	delivered []uuid.UUID
	received  []transport.Envelope
}

func (m *mockHandler) OnDelivered(_ context.Context, id uuid.UUID) {
	m.delivered = append(m.delivered, id)
}
func (m *mockHandler) OnStored(_ context.Context, _ uuid.UUID)           {}
func (m *mockHandler) OnFailed(_ context.Context, _ uuid.UUID, _ string) {}
func (m *mockHandler) OnReceived(_ context.Context, _ transport.Identity, env transport.Envelope) {
	m.received = append(m.received, env)
}

func postJSON(t *testing.T, handler http.Handler, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutesInbox(t *testing.T) {
	t.Parallel()
	h := &mockHandler{}
	routes := transport.Routes(h)

	body, err := json.Marshal(testEnvelope())
	require.NoError(t, err)
	rec := postJSON(t, routes, "/inbox", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.received, 1)
	assert.Equal(t, messageID, h.received[0].MessageID)
	assert.Equal(t, sender, h.received[0].Sender)
}

func TestRoutesInboxRejectsInvalidEnvelope(t *testing.T) {
	t.Parallel()
	h := &mockHandler{}
	routes := transport.Routes(h)

	rec := postJSON(t, routes, "/inbox", []byte(`{"kind":""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.received)
}

func TestRoutesAck(t *testing.T) {
	t.Parallel()
	h := &mockHandler{}
	routes := transport.Routes(h)

	body, err := json.Marshal(transport.AckMessage{MessageID: messageID})
	require.NoError(t, err)
	rec := postJSON(t, routes, "/inbox/ack", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{messageID}, h.delivered)
}

func TestRoutesAckRejectsGarbage(t *testing.T) {
	t.Parallel()
	h := &mockHandler{}
	routes := transport.Routes(h)

	rec := postJSON(t, routes, "/inbox/ack", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.delivered)
}
