package realtime

import "github.com/opia-app/server/internal/models"

// FrameKind discriminates realtime frame variants on the wire. Today only
// chat exists; receipts pushed server-side are the obvious next variant.
type FrameKind string

const (
	FrameKindChat FrameKind = "chat"
)

// Frame is the single envelope pushed over a realtime connection. It is a
// tagged union: Kind says which payload pointer is set. An explicit
// discriminant beats sniffing payload shapes on the client.
type Frame struct {
	Kind FrameKind  `json:"kind"`
	Chat *ChatFrame `json:"chat,omitempty"`
}

// ChatFrame carries one message for one device: the message with its
// packet list stripped, plus the single packet addressed to the receiving
// device link. Sibling packets never travel to a device that cannot
// decrypt them anyway.
type ChatFrame struct {
	Msg    models.Message       `json:"msg"`
	Packet models.MessagePacket `json:"packet"`
}

// NewChatFrame strips the message and pairs it with one packet.
func NewChatFrame(msg models.Message, packet models.MessagePacket) Frame {
	packet.Msg = nil
	return Frame{
		Kind: FrameKindChat,
		Chat: &ChatFrame{Msg: msg.WithoutPackets(), Packet: packet},
	}
}
