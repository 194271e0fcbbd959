package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mikey/lead-router/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClassify(t *testing.T) {
	var got analyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/analyze", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success": true,
			"action": "send_reply",
			"final_action": "send_reply",
			"draft": {"to": "buyer@example.com", "subject": "Re: Order", "body": "Confirmed"},
			"draft_type": "hot_auto",
			"analysis": {"is_lead": true, "classification": "Hot", "confidence": 0.93, "reasoning": "budget ready"}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second, zaptest.NewLogger(t))
	cls, err := c.Classify(context.Background(), &core.Email{
		ID: "m1", ThreadID: "t1", From: "Buyer <buyer@example.com>", Subject: "Order", Body: "Need 500",
	})
	require.NoError(t, err)

	assert.Equal(t, analyzeRequest{
		EmailSender: "Buyer <buyer@example.com>", EmailSubject: "Order", EmailBody: "Need 500", EmailID: "m1", ThreadID: "t1",
	}, got)
	assert.True(t, cls.IsLead)
	assert.Equal(t, core.LabelHot, cls.Label)
	assert.InDelta(t, 0.93, cls.Confidence, 1e-9)
	assert.Equal(t, "hot_auto", cls.DraftType)
	require.NotNil(t, cls.Draft)
	assert.Equal(t, "Confirmed", cls.Draft.Body)
}

func TestClassifyNullConfidenceAndDraft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"action":"mark_read","draft":null,"analysis":{"is_lead":false,"classification":"Spam","confidence":null}}`))
	}))
	defer srv.Close()

	cls, err := NewClient(srv.URL, time.Second, zaptest.NewLogger(t)).Classify(context.Background(), &core.Email{ID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, core.LabelSpam, cls.Label)
	assert.Zero(t, cls.Confidence)
	assert.Nil(t, cls.Draft)
	assert.Equal(t, "mark_read", cls.Action)
}

func TestClassifyFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"pipeline failed"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, zaptest.NewLogger(t)).Classify(context.Background(), &core.Email{ID: "m1"})
	require.ErrorIs(t, err, core.ErrTransientUpstream)

	_, err = NewClient("http://127.0.0.1:1", 100*time.Millisecond, zaptest.NewLogger(t)).Classify(context.Background(), &core.Email{ID: "m1"})
	require.ErrorIs(t, err, core.ErrTransientUpstream)
}

func TestClassifyUnsuccessfulAnalysisIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	cls, err := NewClient(srv.URL, time.Second, zaptest.NewLogger(t)).Classify(context.Background(), &core.Email{ID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, core.LabelError, cls.Label)
}
