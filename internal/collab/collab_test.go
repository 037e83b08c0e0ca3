package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/model"
	"outreach/internal/reply"
	"outreach/internal/sender"
	"outreach/internal/warmup"
)

func TestReplyGenerator_PostsContext(t *testing.T) {
	var got reply.Context
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reply":"glad you asked"}`))
	}))
	defer srv.Close()

	g, err := NewReplyGenerator(srv.URL, time.Second, nil)
	require.NoError(t, err)
	text, err := g.GenerateReply(context.Background(), reply.Context{CampaignID: "c1", AccountID: "a1", TargetUserID: "628", Body: "price?"})
	require.NoError(t, err)
	assert.Equal(t, "glad you asked", text)
	assert.Equal(t, "price?", got.Body)
	assert.Equal(t, "c1", got.CampaignID)
}

func TestReplyGenerator_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	g, err := NewReplyGenerator(srv.URL, time.Second, nil)
	require.NoError(t, err)
	_, err = g.GenerateReply(context.Background(), reply.Context{Body: "x"})
	assert.ErrorIs(t, err, sender.ErrPermanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestActivityPerformer(t *testing.T) {
	var req activityRequest
	var success atomic.Bool
	success.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(activityResponse{Success: success.Load(), Detail: "device busy"})
	}))
	defer srv.Close()

	p, err := NewActivityPerformer(srv.URL, time.Second, nil)
	require.NoError(t, err)
	acc := model.Account{ID: "a1", Phone: "+62811"}
	stage := warmup.Stage{Index: 2, Name: "contact-building", Duration: 24 * time.Hour}

	require.NoError(t, p.PerformWarmupActivity(context.Background(), acc, stage))
	assert.Equal(t, "a1", req.AccountID)
	assert.Equal(t, "contact-building", req.Stage.Name)

	success.Store(false)
	err = p.PerformWarmupActivity(context.Background(), acc, stage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewReplyGenerator("", 0, nil)
	assert.ErrorIs(t, err, ErrNoEndpoint)
	_, err = NewActivityPerformer("", 0, nil)
	assert.ErrorIs(t, err, ErrNoEndpoint)
}
