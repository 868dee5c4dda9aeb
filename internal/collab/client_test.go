package collab

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkb75/SoloPilot-sub000/internal/retry"
	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.backoff = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return c
}

func testConversation() *models.Conversation {
	return &models.Conversation{
		ConversationID: "conv-1",
		Requirements:   json.RawMessage(`{"title":"Site"}`),
		EmailHistory:   []models.Email{{MessageID: "<m1@x.com>", From: "alice@x.com", Body: "Need a site"}},
	}
}

func TestExtract(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/requirements/extract", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

		var req extractRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "conv-1", req.ConversationID)
		assert.Len(t, req.EmailHistory, 1)
		assert.JSONEq(t, `{"title":"Site"}`, string(req.ExistingRequirements))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"requirements":{"title":"Site","budget":5000}}`))
	})

	got, err := c.Extract(context.Background(), testConversation())
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Site","budget":5000}`, string(got))
}

func TestDraftNoContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	draft, err := c.Draft(context.Background(), testConversation())
	require.NoError(t, err)
	assert.Nil(t, draft)
}

func TestDraftRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":"upstream model timeout"}`))
			return
		}
		w.Write([]byte(`{"prompt":"p","body":"Hi Alice","metadata":{"recipient":"alice@x.com","action_type":"initial_proposal","should_send_pdf":true}}`))
	})

	draft, err := c.Draft(context.Background(), testConversation())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "Hi Alice", draft.Body)
	assert.Equal(t, models.ActionInitialProposal, draft.Metadata.ActionType)
	assert.True(t, draft.Metadata.ShouldSendPDF)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"history is empty"}`))
	})

	_, err := c.Extract(context.Background(), testConversation())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "history is empty", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/proposals/pdf", r.URL.Path)
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="conv-1-proposal.pdf"`)
		w.Write([]byte("%PDF-1.4"))
	})

	file, err := c.Generate(context.Background(), testConversation())
	require.NoError(t, err)
	assert.Equal(t, "conv-1-proposal.pdf", file.Filename)
	assert.Equal(t, "application/pdf", file.ContentType)
	assert.Equal(t, []byte("%PDF-1.4"), file.Data)
}

func TestGenerateFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Generate(context.Background(), testConversation())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.False(t, c.IsConfigured())
	_, err := c.Generate(context.Background(), testConversation())
	assert.Error(t, err)
}
