package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opia-app/server/internal/apierr"
)

func link(id uuid.UUID) DeviceLink {
	return DeviceLink{ID: id, IdentityID: uuid.New(), DeviceID: uuid.New()}
}

func packet(target uuid.UUID) SubmitPacket {
	return SubmitPacket{RecipientDeviceLinkID: target, SeqNo: 0, Ciphertext: []byte("x")}
}

func TestValidatePacketTargets(t *testing.T) {
	d1 := uuid.New()
	d2 := uuid.New()
	links := []DeviceLink{link(d1), link(d2)}

	t.Run("exact match passes", func(t *testing.T) {
		err := ValidatePacketTargets([]SubmitPacket{packet(d1), packet(d2)}, links)
		assert.NoError(t, err)
	})

	t.Run("order does not matter", func(t *testing.T) {
		err := ValidatePacketTargets([]SubmitPacket{packet(d2), packet(d1)}, links)
		assert.NoError(t, err)
	})

	t.Run("empty packet list is required error", func(t *testing.T) {
		err := ValidatePacketTargets(nil, links)
		e, ok := apierr.From(err)
		require.True(t, ok)
		assert.Equal(t, apierr.CodeRequired, e.Code)
	})

	t.Run("recipient without links is reference error", func(t *testing.T) {
		err := ValidatePacketTargets([]SubmitPacket{packet(d1)}, nil)
		e, ok := apierr.From(err)
		require.True(t, ok)
		assert.Equal(t, apierr.CodeReference, e.Code)
	})

	t.Run("missing required target", func(t *testing.T) {
		err := ValidatePacketTargets([]SubmitPacket{packet(d1)}, links)
		e, ok := apierr.From(err)
		require.True(t, ok)
		assert.Equal(t, apierr.CodeConstraint, e.Code)
		assert.Contains(t, e.Error(), "missing required target")
		assert.Contains(t, e.Error(), d2.String())
	})

	t.Run("unexpected target", func(t *testing.T) {
		stranger := uuid.New()
		err := ValidatePacketTargets([]SubmitPacket{packet(d1), packet(d2), packet(stranger)}, links)
		e, ok := apierr.From(err)
		require.True(t, ok)
		assert.Equal(t, apierr.CodeConstraint, e.Code)
		assert.Contains(t, e.Error(), "unexpected target")
		assert.Contains(t, e.Error(), stranger.String())
	})

	t.Run("same target twice is unexpected", func(t *testing.T) {
		err := ValidatePacketTargets([]SubmitPacket{packet(d1), packet(d1)}, links)
		e, ok := apierr.From(err)
		require.True(t, ok)
		assert.Equal(t, apierr.CodeConstraint, e.Code)
		assert.Contains(t, e.Error(), "unexpected target")
	})
}

func TestMessageWithoutPackets(t *testing.T) {
	msg := Message{
		ID:      uuid.New(),
		Packets: []MessagePacket{{MessageID: uuid.New()}},
		Receipts: []MessageReceipt{
			{MessageID: uuid.New()},
		},
	}

	stripped := msg.WithoutPackets()
	assert.Nil(t, stripped.Packets)
	assert.Nil(t, stripped.Receipts)
	// The original is untouched.
	assert.Len(t, msg.Packets, 1)
	assert.Len(t, msg.Receipts, 1)
}
