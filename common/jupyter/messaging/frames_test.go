package messaging_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
)

var _ = Describe("JupyterFrames", func() {
	key := []byte("149a41b5-0df54cf013c3035a3084a319")

	var request *messaging.Message

	BeforeEach(func() {
		var err error
		request, err = messaging.NewMessage(messaging.ShellChannel, messaging.KernelInfoRequest, "session", "", nil)
		Expect(err).To(BeNil())
	})

	It("Will sign frames that verify with the same key", func() {
		frames, err := messaging.EncodeMessage(request, messaging.JupyterSignatureScheme, key)
		Expect(err).To(BeNil())
		Expect(frames[messaging.JupyterFrameStart]).To(Equal(messaging.JupyterFrameIDSMSG))
		Expect(frames[messaging.JupyterFrameSignature]).To(HaveLen(64))
		Expect(frames.Verify(messaging.JupyterSignatureScheme, key)).To(Succeed())

		Expect(frames.Verify(messaging.JupyterSignatureScheme, []byte("other"))).To(MatchError(messaging.ErrInvalidJupyterSignature))
	})

	It("Will reject tampered frames", func() {
		frames, err := messaging.EncodeMessage(request, messaging.JupyterSignatureScheme, key)
		Expect(err).To(BeNil())

		frames[messaging.JupyterFrameContent] = []byte(`{"code": "import os"}`)
		Expect(frames.Verify(messaging.JupyterSignatureScheme, key)).To(MatchError(messaging.ErrInvalidJupyterSignature))
	})

	It("Will reject unsupported signature schemes", func() {
		_, err := messaging.EncodeMessage(request, "hmac-md5", key)
		Expect(err).To(MatchError(messaging.ErrNotSupportedSignatureScheme))
	})

	It("Will leave frames unsigned when no key is configured", func() {
		frames, err := messaging.EncodeMessage(request, messaging.JupyterSignatureScheme, nil)
		Expect(err).To(BeNil())
		Expect(frames[messaging.JupyterFrameSignature]).To(BeEmpty())
		Expect(frames.Verify(messaging.JupyterSignatureScheme, nil)).To(Succeed())
	})

	It("Will decode frames preceded by routing identities", func() {
		reply, err := messaging.NewReply(request, messaging.ShellChannel, messaging.KernelInfoReply, map[string]interface{}{"status": "ok"})
		Expect(err).To(BeNil())

		frames, err := messaging.EncodeMessage(reply, messaging.JupyterSignatureScheme, key)
		Expect(err).To(BeNil())

		raw := append([][]byte{[]byte("kernel.1234.status")}, frames...)
		decoded, err := messaging.DecodeMessage(raw, messaging.IOPubChannel, messaging.JupyterSignatureScheme, key)
		Expect(err).To(BeNil())
		Expect(decoded.Channel).To(Equal(messaging.IOPubChannel))
		Expect(decoded.MsgType()).To(Equal(messaging.JupyterMessageType(messaging.KernelInfoReply)))
		Expect(decoded.ParentMsgID()).To(Equal(request.MsgID()))
		Expect(decoded.Content).To(HaveKeyWithValue("status", "ok"))
	})

	It("Will reject frames without a delimiter", func() {
		_, err := messaging.DecodeMessage([][]byte{[]byte("a"), []byte("b")}, messaging.ShellChannel, messaging.JupyterSignatureScheme, key)
		Expect(err).To(MatchError(messaging.ErrInvalidJupyterMessage))
	})
})
