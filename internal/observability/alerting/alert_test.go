package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Mosaic-Protocol/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel                     { return "broken" }
func (failingNotifier) Notify(context.Context, Event) error { return errors.New("offline") }

func TestFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodeEscrowFailed, "refund rejected", xerrors.WithMetadata("escrow_id", "e-1"))
	ev := FromError(err, "run-1")
	assert.Equal(t, xerrors.CodeEscrowFailed, ev.Code)
	assert.Equal(t, xerrors.SeverityCritical, ev.Severity)
	assert.Equal(t, "e-1", ev.Metadata["escrow_id"])
	assert.Equal(t, "run-1", ev.RunID)
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewFanout(LogNotifier{}, &WebhookNotifier{URL: srv.URL})
	require.NoError(t, d.Notify(context.Background(), Event{Code: xerrors.CodeEscrowFailed, Severity: xerrors.SeverityCritical, Message: "x"}))
	assert.Contains(t, got["text"], "ESCROW_FAILED")
}

func TestFanoutJoinsErrors(t *testing.T) {
	d := NewFanout(LogNotifier{}, failingNotifier{}, nil)
	err := d.Notify(context.Background(), Event{Code: xerrors.CodeUnknown})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel broken")

	var nilDispatcher *FanoutDispatcher
	assert.NoError(t, nilDispatcher.Notify(context.Background(), Event{}))
}
