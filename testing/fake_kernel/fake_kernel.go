package fake_kernel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/scusemua/notebook-gateway/common/jupyter"
	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
	"github.com/scusemua/notebook-gateway/common/utils"
)

type SocketWrapper struct {
	zmq4.Socket

	Channel string
}

// FakeKernel is an in-process kernel speaking the Jupyter wire protocol over ZMQ.
//
// It understands kernel_info_request, shutdown_request and execute_request. Executed code is
// evaluated against Results first; otherwise integer additions ("1+1"), print(...) and
// raise Name("value") are recognised.
type FakeKernel struct {
	ID             string
	ConnectionInfo *jupyter.ConnectionInfo

	// Results maps code to the text/plain value of its execute_result.
	Results map[string]string

	ShellSocket     *SocketWrapper
	IOPubSocket     *SocketWrapper
	StdinSocket     *SocketWrapper
	ControlSocket   *SocketWrapper
	HeartbeatSocket *SocketWrapper

	Serving atomic.Bool

	executionCount atomic.Int32
	pubMu          sync.Mutex
	session        string

	log logger.Logger
}

func NewFakeKernel(id string, connInfo *jupyter.ConnectionInfo) *FakeKernel {
	ctx := context.Background()
	kernel := &FakeKernel{
		ID:              id,
		ConnectionInfo:  connInfo,
		Results:         make(map[string]string),
		session:         uuid.NewString(),
		HeartbeatSocket: &SocketWrapper{zmq4.NewRep(ctx), "hb"},
		ControlSocket:   &SocketWrapper{zmq4.NewRouter(ctx), messaging.ControlChannel},
		ShellSocket:     &SocketWrapper{zmq4.NewRouter(ctx), messaging.ShellChannel},
		StdinSocket:     &SocketWrapper{zmq4.NewRouter(ctx), messaging.StdinChannel},
		IOPubSocket:     &SocketWrapper{zmq4.NewPub(ctx), messaging.IOPubChannel},
	}

	config.InitLogger(&kernel.log, fmt.Sprintf("FakeKernel-%s ", id))

	_ = kernel.ControlSocket.Socket.SetOption("ROUTER_MANDATORY", 1)
	_ = kernel.ShellSocket.Socket.SetOption("ROUTER_MANDATORY", 1)

	return kernel
}

// NewConnectionInfo reserves five free loopback ports for a fake kernel.
func NewConnectionInfo() (*jupyter.ConnectionInfo, error) {
	ports := make([]int, 5)
	for i := range ports {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		defer listener.Close()
		ports[i] = listener.Addr().(*net.TCPAddr).Port
	}

	return &jupyter.ConnectionInfo{
		IP:              "127.0.0.1",
		Transport:       "tcp",
		HBPort:          ports[0],
		ControlPort:     ports[1],
		ShellPort:       ports[2],
		StdinPort:       ports[3],
		IOPubPort:       ports[4],
		SignatureScheme: messaging.JupyterSignatureScheme,
		Key:             uuid.NewString(),
	}, nil
}

func (k *FakeKernel) Start() error {
	k.Serving.Store(true)

	sockets := []struct {
		socket *SocketWrapper
		port   int
		serve  bool
	}{
		{k.HeartbeatSocket, k.ConnectionInfo.HBPort, false},
		{k.ControlSocket, k.ConnectionInfo.ControlPort, true},
		{k.ShellSocket, k.ConnectionInfo.ShellPort, true},
		{k.StdinSocket, k.ConnectionInfo.StdinPort, false},
		{k.IOPubSocket, k.ConnectionInfo.IOPubPort, false},
	}

	for _, s := range sockets {
		addr := k.ConnectionInfo.Address(s.port)
		k.log.Debug("is listening on %s socket at %s", s.socket.Channel, addr)
		if err := s.socket.Listen(addr); err != nil {
			k.Close()
			return err
		}

		if s.serve {
			go k.Serve(s.socket)
		}
	}

	return nil
}

func (k *FakeKernel) Close() {
	if !k.Serving.Swap(false) {
		return
	}

	_ = k.ShellSocket.Close()
	_ = k.IOPubSocket.Close()
	_ = k.StdinSocket.Close()
	_ = k.HeartbeatSocket.Close()
	_ = k.ControlSocket.Close()
}

// PublishStatus publishes a status message that answers no request.
func (k *FakeKernel) PublishStatus(state string) error {
	return k.publish(nil, messaging.IOStatusMessage, &messaging.MessageKernelStatus{Status: state})
}

func (k *FakeKernel) Serve(socket *SocketWrapper) {
	for k.Serving.Load() {
		raw, err := socket.Recv()
		if err != nil {
			if k.Serving.Load() {
				k.log.Debug(utils.RedStyle.Render("[ERROR] Error reading from %s socket: %v"), socket.Channel, err)
			}
			return
		}

		idents, _, err := messaging.SplitIdentities(raw.Frames)
		if err != nil {
			k.log.Warn("Dropping malformed message on %s: %v", socket.Channel, err)
			continue
		}

		msg, err := messaging.DecodeMessage(raw.Frames, socket.Channel, k.ConnectionInfo.SignatureScheme, []byte(k.ConnectionInfo.Key))
		if err != nil {
			k.log.Warn("Dropping invalid message on %s: %v", socket.Channel, err)
			continue
		}

		k.log.Debug("[%s] Received %s", socket.Channel, msg.MsgType())

		switch msg.MsgType() {
		case messaging.KernelInfoRequest:
			k.handleKernelInfo(socket, idents, msg)
		case messaging.ShellExecuteRequest:
			k.handleExecute(socket, idents, msg)
		case messaging.ShutdownRequest:
			k.reply(socket, idents, msg, messaging.ShutdownReply, &messaging.MessageShutdownRequest{})
		default:
			k.log.Debug("Ignoring unsupported %s message", msg.MsgType())
		}
	}
}

func (k *FakeKernel) handleKernelInfo(socket *SocketWrapper, idents [][]byte, msg *messaging.Message) {
	_ = k.publish(msg, messaging.IOStatusMessage, &messaging.MessageKernelStatus{Status: messaging.MessageKernelStatusBusy})
	k.reply(socket, idents, msg, messaging.KernelInfoReply, map[string]interface{}{
		"status":           "ok",
		"protocol_version": messaging.ProtocolVersion,
		"implementation":   "fake_kernel",
		"language_info":    map[string]interface{}{"name": "python"},
	})
	_ = k.publish(msg, messaging.IOStatusMessage, &messaging.MessageKernelStatus{Status: messaging.MessageKernelStatusIdle})
}

func (k *FakeKernel) handleExecute(socket *SocketWrapper, idents [][]byte, msg *messaging.Message) {
	var request messaging.ExecuteRequest
	if err := msg.DecodeContent(&request); err != nil {
		k.log.Warn("Invalid execute_request: %v", err)
		return
	}

	count := int(k.executionCount.Add(1))

	_ = k.publish(msg, messaging.IOStatusMessage, &messaging.MessageKernelStatus{Status: messaging.MessageKernelStatusBusy})
	_ = k.publish(msg, messaging.IOExecuteInputMessage, map[string]interface{}{"code": request.Code, "execution_count": count})

	outputs, failure := Evaluate(request.Code, count, k.Results)
	for _, output := range outputs {
		_ = k.publish(msg, output.MsgType, output.Content)
	}

	status := "ok"
	if failure != nil {
		status = "error"
		_ = k.publish(msg, messaging.IOErrorMessage, failure)
	}

	k.reply(socket, idents, msg, messaging.ShellExecuteReply, &messaging.MessageExecuteReply{Status: status, ExecutionCount: count})
	_ = k.publish(msg, messaging.IOStatusMessage, &messaging.MessageKernelStatus{Status: messaging.MessageKernelStatusIdle})
}

func (k *FakeKernel) reply(socket *SocketWrapper, idents [][]byte, parent *messaging.Message, msgType messaging.JupyterMessageType, content interface{}) {
	reply, err := messaging.NewReply(parent, socket.Channel, msgType, content)
	if err != nil {
		k.log.Error("Failed to build %s: %v", msgType, err)
		return
	}

	frames, err := messaging.EncodeMessage(reply, k.ConnectionInfo.SignatureScheme, []byte(k.ConnectionInfo.Key))
	if err != nil {
		k.log.Error("Failed to encode %s: %v", msgType, err)
		return
	}

	out := make([][]byte, 0, len(idents)+len(frames))
	out = append(out, idents...)
	out = append(out, frames...)

	if err := socket.Send(zmq4.NewMsgFrom(out...)); err != nil {
		k.log.Error(utils.RedStyle.Render("[ERROR] Failed to send %s because: %v"), msgType, err)
	}
}

func (k *FakeKernel) publish(parent *messaging.Message, msgType messaging.JupyterMessageType, content interface{}) error {
	var (
		msg *messaging.Message
		err error
	)
	if parent != nil {
		msg, err = messaging.NewReply(parent, messaging.IOPubChannel, msgType, content)
	} else {
		msg, err = messaging.NewMessage(messaging.IOPubChannel, msgType, k.session, "", content)
	}
	if err != nil {
		return err
	}

	frames, err := messaging.EncodeMessage(msg, k.ConnectionInfo.SignatureScheme, []byte(k.ConnectionInfo.Key))
	if err != nil {
		return err
	}

	out := make([][]byte, 0, len(frames)+1)
	out = append(out, []byte(fmt.Sprintf("kernel.%s.%s", k.ID, msgType)))
	out = append(out, frames...)

	k.pubMu.Lock()
	defer k.pubMu.Unlock()

	return k.IOPubSocket.Send(zmq4.NewMsgFrom(out...))
}
