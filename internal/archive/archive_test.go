package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/internal/dispatch"
)

func TestObjectKey(t *testing.T) {
	key := ObjectKey(Record{
		ExecutionID: "exec-1",
		NodeID:      "stage-2",
		ContactID:   "contact-9",
	})
	assert.Equal(t, "dispatches/exec-1/stage-2/contact-9.json", key)
}

func TestRecordJSONShape(t *testing.T) {
	rec := Record{
		ExecutionID: "exec-1",
		NodeID:      "stage-2",
		ContactID:   "contact-9",
		Channel:     "email",
		MessageID:   "msg-7",
		Request: dispatch.SendRequest{
			Channel:   "email",
			Recipient: "contact-9",
			Subject:   "Welcome",
		},
		DispatchedAt: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}

	body, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "exec-1", decoded["execution_id"])
	assert.Equal(t, "msg-7", decoded["message_id"])
	assert.NotContains(t, decoded, "error", "empty error is omitted")

	req, ok := decoded["request"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Welcome", req["subject"])
}

func TestNopArchiver(t *testing.T) {
	require.NoError(t, NopArchiver{}.Archive(context.Background(), Record{ExecutionID: "exec-1"}))
}
