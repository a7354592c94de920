package messaging_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
)

var _ = Describe("Message", func() {
	It("Will encode an unset parent header as an empty object", func() {
		msg, err := messaging.NewMessage(messaging.ShellChannel, messaging.ShellExecuteRequest, "session", "", &messaging.ExecuteRequest{
			Code:         "1+1",
			StoreHistory: true,
			StopOnError:  true,
		})
		Expect(err).To(BeNil())

		encoded, err := json.Marshal(msg)
		Expect(err).To(BeNil())

		var generic map[string]interface{}
		Expect(json.Unmarshal(encoded, &generic)).To(Succeed())
		Expect(generic["parent_header"]).To(Equal(map[string]interface{}{}))
		Expect(generic["channel"]).To(Equal("shell"))
		Expect(generic["buffers"]).To(Equal([]interface{}{}))

		header := generic["header"].(map[string]interface{})
		Expect(header["msg_type"]).To(Equal("execute_request"))
		Expect(header["username"]).To(Equal(messaging.MessageHeaderDefaultUsername))
		Expect(header["msg_id"]).ToNot(BeEmpty())
		Expect(header["date"]).To(HaveSuffix("Z"))

		content := generic["content"].(map[string]interface{})
		Expect(content).To(HaveKeyWithValue("code", "1+1"))
		Expect(content).To(HaveKeyWithValue("silent", false))
		Expect(content).To(HaveKeyWithValue("store_history", true))
		Expect(content).To(HaveKeyWithValue("allow_stdin", false))
		Expect(content).To(HaveKeyWithValue("stop_on_error", true))
		Expect(content).To(HaveKey("user_expressions"))
	})

	It("Will echo the request header as the parent header of a reply", func() {
		request, err := messaging.NewMessage(messaging.ShellChannel, messaging.ShellExecuteRequest, "session", "jovyan", nil)
		Expect(err).To(BeNil())

		reply, err := messaging.NewReply(request, messaging.IOPubChannel, messaging.IOStatusMessage,
			&messaging.MessageKernelStatus{Status: messaging.MessageKernelStatusIdle})
		Expect(err).To(BeNil())

		Expect(reply.ParentMsgID()).To(Equal(request.MsgID()))
		Expect(reply.MsgID()).ToNot(Equal(request.MsgID()))
		Expect(reply.Header.Session).To(Equal("session"))

		state, ok := reply.ExecutionState()
		Expect(ok).To(BeTrue())
		Expect(state).To(Equal(messaging.MessageKernelStatusIdle))
	})

	It("Will decode generic content into typed content", func() {
		var msg messaging.Message
		Expect(json.Unmarshal([]byte(`{
			"header": {"msg_id": "b", "msg_type": "error"},
			"parent_header": {"msg_id": "a"},
			"content": {"ename": "NameError", "evalue": "name 'x' is not defined", "traceback": ["line 1", "line 2"]},
			"metadata": {}
		}`), &msg)).To(Succeed())

		var content messaging.MessageError
		Expect(msg.DecodeContent(&content)).To(Succeed())
		Expect(content.ErrName).To(Equal("NameError"))
		Expect(content.ErrValue).To(Equal("name 'x' is not defined"))
		Expect(content.Traceback).To(Equal([]string{"line 1", "line 2"}))
		Expect(msg.ParentMsgID()).To(Equal("a"))

		_, ok := msg.ExecutionState()
		Expect(ok).To(BeFalse())
	})

	It("Will strip terminal escapes from tracebacks", func() {
		trace := messaging.SanitizeTraceback([]string{
			"\x1b[0;31mNameError\x1b[0m Traceback (most recent call last)",
			"\x1b[1;32m----> 1\x1b[0m x",
		})
		Expect(trace).To(Equal("NameError Traceback (most recent call last)\n----> 1 x"))
	})

	It("Will normalize dates to UTC with a trailing Z", func() {
		Expect(messaging.NormalizeDate("2024-06-06T14:45:58.228995+00:00")).To(Equal("2024-06-06T14:45:58.228995Z"))
		Expect(messaging.NormalizeDate("2024-06-06T16:45:58+02:00")).To(Equal("2024-06-06T14:45:58Z"))
		Expect(messaging.NormalizeDate("not a date")).To(Equal("not a date"))
	})

	It("Will return the base message type", func() {
		base, ok := messaging.JupyterMessageType("execute_request").GetBaseMessageType()
		Expect(ok).To(BeTrue())
		Expect(base).To(Equal("execute_"))

		_, ok = messaging.JupyterMessageType("status").GetBaseMessageType()
		Expect(ok).To(BeFalse())
	})
})
