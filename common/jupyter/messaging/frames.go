package messaging

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	JupyterSignatureScheme = "hmac-sha256"
)

const (
	JupyterFrameStart int = iota
	JupyterFrameSignature
	JupyterFrameHeader
	JupyterFrameParentHeader
	JupyterFrameMetadata
	JupyterFrameContent
	JupyterFrameBuffers
)

var (
	JupyterFrameIDSMSG = []byte("<IDS|MSG>")
	JupyterFrameEmpty  = []byte("{}")
)

// JupyterFrames provides a simple way to access the frames of a Jupyter message on a ZMQ socket.
// A valid JupyterFrames will have at least 6 frames, starting at the delimiter:
// 0: <IDS|MSG>, 1: Signature, 2: Header, 3: ParentHeader, 4: Metadata, 5: Content[, 6...: Buffers]
type JupyterFrames [][]byte

func NewJupyterFrames() JupyterFrames {
	frames := make(JupyterFrames, JupyterFrameContent+1)
	frames[JupyterFrameStart] = JupyterFrameIDSMSG
	frames[JupyterFrameSignature] = []byte{}
	frames[JupyterFrameHeader] = JupyterFrameEmpty
	frames[JupyterFrameParentHeader] = JupyterFrameEmpty
	frames[JupyterFrameMetadata] = JupyterFrameEmpty
	frames[JupyterFrameContent] = JupyterFrameEmpty
	return frames
}

// SplitIdentities separates the routing identities (or the IOPub topic) preceding the
// "<IDS|MSG>" delimiter from the Jupyter frames.
func SplitIdentities(raw [][]byte) (identities [][]byte, frames JupyterFrames, err error) {
	for i, frame := range raw {
		if bytes.Equal(frame, JupyterFrameIDSMSG) {
			frames = raw[i:]
			if err := frames.Validate(); err != nil {
				return nil, nil, err
			}
			return raw[:i], frames, nil
		}
	}

	return nil, nil, ErrInvalidJupyterMessage
}

func (frames JupyterFrames) String() string {
	if len(frames) == 0 {
		return "[]"
	}

	s := "["
	for i, frame := range frames {
		s += "\"" + string(frame) + "\""

		if i+1 < len(frames) {
			s += ", "
		}
	}

	s += "]"

	return s
}

func (frames JupyterFrames) Validate() error {
	if len(frames) < JupyterFrameContent+1 {
		return ErrInvalidJupyterMessage
	}
	return nil
}

// Verify checks the frames' signature. An empty key disables authentication.
func (frames JupyterFrames) Verify(signatureScheme string, key []byte) error {
	if err := frames.Validate(); err != nil {
		return err
	} else if len(key) == 0 {
		return nil
	} else if signatureScheme != JupyterSignatureScheme {
		return ErrNotSupportedSignatureScheme
	} else if !frames.verify(key) {
		return ErrInvalidJupyterSignature
	}
	return nil
}

// Sign computes and stores the signature of the frames. An empty key leaves the signature empty.
func (frames JupyterFrames) Sign(signatureScheme string, key []byte) (JupyterFrames, error) {
	if len(key) == 0 {
		frames[JupyterFrameSignature] = []byte{}
		return frames, nil
	}

	if signatureScheme != JupyterSignatureScheme {
		return frames, ErrNotSupportedSignatureScheme
	}

	signature := frames.sign(key)
	encoded := make([]byte, hex.EncodedLen(len(signature)))
	hex.Encode(encoded, signature)
	frames[JupyterFrameSignature] = encoded
	return frames, nil
}

func (frames JupyterFrames) verify(signkey []byte) bool {
	expect := frames.sign(signkey)
	signature := make([]byte, hex.DecodedLen(len(frames[JupyterFrameSignature])))
	if _, err := hex.Decode(signature, frames[JupyterFrameSignature]); err != nil {
		return false
	}
	return hmac.Equal(expect, signature)
}

func (frames JupyterFrames) sign(signkey []byte) []byte {
	mac := hmac.New(sha256.New, signkey)
	for _, msgpart := range frames[JupyterFrameHeader : JupyterFrameContent+1] {
		mac.Write(msgpart)
	}
	return mac.Sum(nil)
}

// EncodeMessage converts msg into signed wire frames. Buffers are not carried over ZMQ.
func EncodeMessage(msg *Message, signatureScheme string, key []byte) (JupyterFrames, error) {
	frames := NewJupyterFrames()

	parts := []struct {
		index int
		value interface{}
	}{
		{JupyterFrameHeader, msg.Header},
		{JupyterFrameParentHeader, msg.ParentHeader},
		{JupyterFrameMetadata, nonNilMap(msg.Metadata)},
		{JupyterFrameContent, nonNilMap(msg.Content)},
	}

	for _, part := range parts {
		encoded, err := json.Marshal(part.value)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode jupyter frame")
		}
		frames[part.index] = encoded
	}

	return frames.Sign(signatureScheme, key)
}

// DecodeMessage verifies and decodes raw ZMQ frames into a Message on the given channel.
func DecodeMessage(raw [][]byte, channel string, signatureScheme string, key []byte) (*Message, error) {
	_, frames, err := SplitIdentities(raw)
	if err != nil {
		return nil, err
	}

	if err := frames.Verify(signatureScheme, key); err != nil {
		return nil, err
	}

	msg := &Message{Channel: channel}
	if err := json.Unmarshal(frames[JupyterFrameHeader], &msg.Header); err != nil {
		return nil, errors.Wrap(err, "failed to decode header")
	}
	if err := json.Unmarshal(frames[JupyterFrameParentHeader], &msg.ParentHeader); err != nil {
		return nil, errors.Wrap(err, "failed to decode parent header")
	}
	if err := json.Unmarshal(frames[JupyterFrameMetadata], &msg.Metadata); err != nil {
		return nil, errors.Wrap(err, "failed to decode metadata")
	}
	if err := json.Unmarshal(frames[JupyterFrameContent], &msg.Content); err != nil {
		return nil, errors.Wrap(err, "failed to decode content")
	}

	msg.Buffers = make([]interface{}, 0, len(frames)-JupyterFrameBuffers)
	for _, buffer := range frames[JupyterFrameContent+1:] {
		msg.Buffers = append(msg.Buffers, buffer)
	}

	return msg, nil
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
