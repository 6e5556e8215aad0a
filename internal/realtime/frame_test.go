package realtime

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opia-app/server/internal/models"
)

func TestFrameDiscriminant(t *testing.T) {
	msgID := uuid.New()
	frame := NewChatFrame(
		models.Message{ID: msgID, Packets: []models.MessagePacket{{MessageID: msgID}}},
		models.MessagePacket{MessageID: msgID, Ciphertext: []byte{0x01, 0x02}},
	)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	// The kind field is the explicit variant tag clients switch on.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"chat"`, string(raw["kind"]))
	assert.Contains(t, raw, "chat")

	var decoded Frame
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, FrameKindChat, decoded.Kind)
	require.NotNil(t, decoded.Chat)
	assert.Equal(t, msgID, decoded.Chat.Msg.ID)
	assert.Empty(t, decoded.Chat.Msg.Packets)
}
