// Package protocol defines the client wire protocol: flat JSON text
// frames discriminated by a type field, and the binary file-chunk
// framing. Payloads and hashes are opaque strings end to end.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mohammed-fawaz-cp/fastport/internal/storage"
)

// Text frame types, client to broker.
const (
	TypeInit             = "init"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypePublish          = "publish"
	TypeAck              = "ack"
	TypeInitFile         = "init_file"
	TypeEndFile          = "end_file"
	TypeRegisterFCMToken = "register_fcm_token"
)

// Text frame types, broker to client.
const (
	TypeInitResponse        = "init_response"
	TypeSubscribeResponse   = "subscribe_response"
	TypeUnsubscribeResponse = "unsubscribe_response"
	TypePublishResponse     = "publish_response"
	TypeMessage             = "message"
	TypeAckReceived         = "ack_received"
	TypeFCMTokenResponse    = "fcm_token_response"
	TypeError               = "error"
)

// Frame is the superset of inbound text-frame fields; Type discriminates
// which ones are meaningful.
type Frame struct {
	Type          string `json:"type"`
	SessionName   string `json:"sessionName,omitempty"`
	Password      string `json:"password,omitempty"`
	UserID        string `json:"userId,omitempty"`
	Topic         string `json:"topic,omitempty"`
	Data          string `json:"data,omitempty"`
	Hash          string `json:"hash,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
	FileID        string `json:"fileId,omitempty"`
	FileName      string `json:"fileName,omitempty"`
	FileSize      int64  `json:"fileSize,omitempty"`
	TotalChunks   int    `json:"totalChunks,omitempty"`
	EncryptedData string `json:"encryptedData,omitempty"`
}

// ParseFrame decodes one inbound text frame.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("malformed frame: missing type")
	}
	return f, nil
}

// InitResponse answers an init frame.
type InitResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewInitResponse builds an init_response.
func NewInitResponse(success bool, errMsg string) InitResponse {
	return InitResponse{Type: TypeInitResponse, Success: success, Error: errMsg}
}

// TopicResponse answers subscribe and unsubscribe frames.
type TopicResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Topic   string `json:"topic"`
}

// NewSubscribeResponse builds a subscribe_response.
func NewSubscribeResponse(topic string) TopicResponse {
	return TopicResponse{Type: TypeSubscribeResponse, Success: true, Topic: topic}
}

// NewUnsubscribeResponse builds an unsubscribe_response.
func NewUnsubscribeResponse(topic string) TopicResponse {
	return TopicResponse{Type: TypeUnsubscribeResponse, Success: true, Topic: topic}
}

// PublishResponse answers a publish frame.
type PublishResponse struct {
	Type        string `json:"type"`
	Success     bool   `json:"success"`
	MessageID   string `json:"messageId,omitempty"`
	DeliveredTo *int   `json:"deliveredTo,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NewPublishAccepted builds the success publish_response with the
// optimistic delivery count.
func NewPublishAccepted(messageID string, deliveredTo int) PublishResponse {
	return PublishResponse{
		Type:        TypePublishResponse,
		Success:     true,
		MessageID:   messageID,
		DeliveredTo: &deliveredTo,
	}
}

// NewPublishRejected builds the failure publish_response.
func NewPublishRejected(errMsg string) PublishResponse {
	return PublishResponse{Type: TypePublishResponse, Success: false, Error: errMsg}
}

// MessageFrame is the envelope delivered to subscribers; fields are
// relayed from the publish verbatim.
type MessageFrame struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	Data      string `json:"data"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"messageId"`
}

// NewMessageFrame builds the delivery envelope for a cached message.
func NewMessageFrame(m storage.Message) MessageFrame {
	frameType := m.Type
	if frameType == "" {
		frameType = TypeMessage
	}
	return MessageFrame{
		Type:      frameType,
		Topic:     m.Topic,
		Data:      m.Data,
		Hash:      m.Hash,
		Timestamp: m.Timestamp,
		MessageID: m.MessageID,
	}
}

// AckReceived notifies the original publisher of the first ack.
type AckReceived struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// NewAckReceived builds an ack_received.
func NewAckReceived(messageID string) AckReceived {
	return AckReceived{Type: TypeAckReceived, MessageID: messageID}
}

// FileControl is the relayed init_file/end_file envelope.
type FileControl struct {
	Type        string `json:"type"`
	Topic       string `json:"topic"`
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	Hash        string `json:"hash,omitempty"`
}

// NewInitFile builds the relayed init_file envelope.
func NewInitFile(f Frame) FileControl {
	return FileControl{
		Type:        TypeInitFile,
		Topic:       f.Topic,
		FileID:      f.FileID,
		FileName:    f.FileName,
		FileSize:    f.FileSize,
		TotalChunks: f.TotalChunks,
	}
}

// NewEndFile builds the relayed end_file envelope.
func NewEndFile(f Frame) FileControl {
	return FileControl{
		Type:   TypeEndFile,
		Topic:  f.Topic,
		FileID: f.FileID,
		Hash:   f.Hash,
	}
}

// TokenResponse answers a register_fcm_token frame.
type TokenResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewTokenResponse builds an fcm_token_response.
func NewTokenResponse(success bool, errMsg string) TokenResponse {
	return TokenResponse{Type: TypeFCMTokenResponse, Success: success, Error: errMsg}
}

// ErrorFrame is the inline protocol-error reply.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: msg}
}

// Encode marshals any outbound frame.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return b, nil
}
