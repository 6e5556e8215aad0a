package models

import (
	"github.com/google/uuid"

	"github.com/opia-app/server/internal/apierr"
)

// ValidatePacketTargets checks that the submitted packets address the
// recipient's active device links exactly — a bijection on device-link ids.
//
// The server validates the target set itself rather than trusting the
// sender's fan-out list: the sender fetched the recipient's links at some
// earlier point, and links churn (devices re-authenticate, new devices
// join). A stale list would otherwise cause silent partial delivery.
//
// Errors distinguish the mismatch direction so clients can diagnose:
//   - required:   the packet list is empty
//   - reference:  the recipient has no active links at all
//   - constraint "unexpected target":       a packet addresses a link that
//     is not active for the recipient (or the same link twice)
//   - constraint "missing required target": an active link got no packet
func ValidatePacketTargets(packets []SubmitPacket, links []DeviceLink) error {
	if len(packets) == 0 {
		return apierr.Required("packets")
	}
	if len(links) == 0 {
		return apierr.Reference("packets", "recipient has no active device links")
	}

	expected := make(map[uuid.UUID]bool, len(links))
	for _, link := range links {
		expected[link.ID] = true
	}

	for _, packet := range packets {
		if !expected[packet.RecipientDeviceLinkID] {
			return apierr.Constraint("packets",
				"unexpected target "+packet.RecipientDeviceLinkID.String())
		}
		// Each link may be addressed once; a second packet for the same
		// link is as wrong as one for a foreign link.
		delete(expected, packet.RecipientDeviceLinkID)
	}

	for id := range expected {
		return apierr.Constraint("packets",
			"missing required target "+id.String())
	}
	return nil
}
