package engine

// MessageType enumerates the peer protocol message types.
type MessageType string

const (
	// Pull handshake: local side asks the remote to send its snapshot.
	MsgRequestData    MessageType = "REQUEST_DATA"
	MsgRequestConfirm MessageType = "REQUEST_CONFIRM"
	MsgRequestReject  MessageType = "REQUEST_REJECT"

	// Push handshake: local side asks to send its own snapshot.
	MsgSendDataRequest MessageType = "SEND_DATA_REQUEST"
	MsgSendDataConfirm MessageType = "SEND_DATA_CONFIRM"
	MsgSendDataReject  MessageType = "SEND_DATA_REJECT"

	// Transfer.
	MsgData  MessageType = "DATA"
	MsgChunk MessageType = "CHUNK"

	// Control.
	MsgError  MessageType = "ERROR"
	MsgInfo   MessageType = "INFO"
	MsgCancel MessageType = "CANCEL"
)

// Message is the JSON wire envelope for the peer protocol. Every message
// after the initial request echoes the operation id of its exchange.
type Message struct {
	Type        MessageType `json:"type"`
	OpID        string      `json:"opId,omitempty"`
	Payload     string      `json:"payload,omitempty"`
	ChunkID     int         `json:"chunkId,omitempty"`
	TotalChunks int         `json:"totalChunks,omitempty"`
	IsLast      bool        `json:"isLast,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}
