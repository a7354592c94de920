package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
)

const (
	MessageHeaderDefaultUsername = "username"
	ProtocolVersion              = "5.3"

	IOStatusMessage        = "status"
	IOStreamMessage        = "stream"
	IOErrorMessage         = "error"
	IOExecuteResultMessage = "execute_result"
	IODisplayDataMessage   = "display_data"
	IOExecuteInputMessage  = "execute_input"
	ShellExecuteRequest    = "execute_request"
	ShellExecuteReply      = "execute_reply"
	KernelInfoRequest      = "kernel_info_request"
	KernelInfoReply        = "kernel_info_reply"
	ShutdownRequest        = "shutdown_request"
	ShutdownReply          = "shutdown_reply"

	ShellChannel   = "shell"
	IOPubChannel   = "iopub"
	ControlChannel = "control"
	StdinChannel   = "stdin"

	JavascriptISOString = "2006-01-02T15:04:05.999Z07:00"
)

var (
	ErrInvalidJupyterMessage       = fmt.Errorf("invalid jupyter message")
	ErrNotSupportedSignatureScheme = fmt.Errorf("not supported signature scheme")
	ErrInvalidJupyterSignature     = fmt.Errorf("invalid jupyter signature")
)

type JupyterMessageType string

func (t JupyterMessageType) String() string {
	return string(t)
}

// GetBaseMessageType returns the base portion of the Jupyter message type.
//
// If the message type is "execute_request", then this returns "execute_" and true.
//
// If the message type is not of the form "{action}_request" or "{action}_reply", then this
// returns the empty string and false.
func (t JupyterMessageType) GetBaseMessageType() (string, bool) {
	if strings.HasSuffix(t.String(), "request") {
		return t.String()[0 : len(t.String())-7], true
	} else if strings.HasSuffix(t.String(), "reply") {
		return t.String()[0 : len(t.String())-5], true
	}

	return "", false
}

// MessageHeader is a Jupyter message header.
// http://jupyter-client.readthedocs.io/en/latest/messaging.html#general-message-format
//
// All fields are omitted when empty so that an unset parent header encodes as {}.
type MessageHeader struct {
	MsgID    string             `json:"msg_id,omitempty"`
	Username string             `json:"username,omitempty"`
	Session  string             `json:"session,omitempty"`
	Date     string             `json:"date,omitempty"`
	MsgType  JupyterMessageType `json:"msg_type,omitempty"`
	Version  string             `json:"version,omitempty"`
}

func (header *MessageHeader) Clone() *MessageHeader {
	clone := *header
	return &clone
}

func (header *MessageHeader) String() string {
	m, err := json.Marshal(header)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// NewMessageHeader creates a header with a fresh msg_id and the current time.
func NewMessageHeader(msgType JupyterMessageType, session string, username string) MessageHeader {
	if username == "" {
		username = MessageHeaderDefaultUsername
	}

	return MessageHeader{
		MsgID:    uuid.NewString(),
		Username: username,
		Session:  session,
		Date:     FormatDate(time.Now()),
		MsgType:  msgType,
		Version:  ProtocolVersion,
	}
}

// Message is the JSON envelope exchanged with kernels, as used by the kernel gateway's
// WebSocket channel. ZMQ frames are converted to and from this form by the frame codec.
type Message struct {
	Header       MessageHeader          `json:"header"`
	ParentHeader MessageHeader          `json:"parent_header"`
	Channel      string                 `json:"channel,omitempty"`
	Content      map[string]interface{} `json:"content"`
	Metadata     map[string]interface{} `json:"metadata"`
	Buffers      []interface{}          `json:"buffers"`
}

// NewMessage creates a request message on the given channel.
//
// content may be a map or a struct with json tags.
func NewMessage(channel string, msgType JupyterMessageType, session string, username string, content interface{}) (*Message, error) {
	encoded, err := ContentToMap(content)
	if err != nil {
		return nil, err
	}

	return &Message{
		Header:   NewMessageHeader(msgType, session, username),
		Channel:  channel,
		Content:  encoded,
		Metadata: map[string]interface{}{},
		Buffers:  []interface{}{},
	}, nil
}

// NewReply creates a message answering parent.
func NewReply(parent *Message, channel string, msgType JupyterMessageType, content interface{}) (*Message, error) {
	reply, err := NewMessage(channel, msgType, parent.Header.Session, parent.Header.Username, content)
	if err != nil {
		return nil, err
	}

	reply.ParentHeader = parent.Header
	return reply, nil
}

func (msg *Message) MsgID() string {
	return msg.Header.MsgID
}

func (msg *Message) MsgType() JupyterMessageType {
	return msg.Header.MsgType
}

// ParentMsgID returns the msg_id of the request this message answers, or the empty string.
func (msg *Message) ParentMsgID() string {
	return msg.ParentHeader.MsgID
}

// ExecutionState returns content.execution_state for status messages.
func (msg *Message) ExecutionState() (string, bool) {
	if msg.Header.MsgType != IOStatusMessage {
		return "", false
	}

	state, ok := msg.Content["execution_state"].(string)
	return state, ok
}

// DecodeContent decodes the message content into out, which must be a pointer to a struct
// tagged with json tags.
func (msg *Message) DecodeContent(out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(msg.Content)
}

func (msg *Message) String() string {
	m, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// ContentToMap converts a content struct into the generic map form carried by Message.
func ContentToMap(content interface{}) (map[string]interface{}, error) {
	switch c := content.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return c, nil
	}

	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// FormatDate formats t as an ISO-8601 UTC timestamp with a trailing "Z".
func FormatDate(t time.Time) string {
	return t.UTC().Format(JavascriptISOString)
}

// NormalizeDate rewrites an RFC 3339 timestamp into UTC with a trailing "Z".
// Values that cannot be parsed are returned unchanged.
func NormalizeDate(date string) string {
	if date == "" {
		return date
	}

	t, err := time.Parse(time.RFC3339Nano, date)
	if err != nil {
		return date
	}

	return t.UTC().Format(time.RFC3339Nano)
}
