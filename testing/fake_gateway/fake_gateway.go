package fake_gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/scusemua/notebook-gateway/common/jupyter/client"
	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
	"github.com/scusemua/notebook-gateway/testing/fake_kernel"
)

// Gateway is an in-process Jupyter kernel gateway serving the kernels REST API and the
// kernel channels WebSocket endpoint.
type Gateway struct {
	Server *httptest.Server

	// Specs is served by GET /api/kernelspecs, wrapped in {"default": ..., "kernelspecs": ...}.
	Specs map[string]*client.KernelSpec

	// Results is copied into the evaluator of every kernel.
	Results map[string]string

	CreateCalls  atomic.Int32
	ChannelCalls atomic.Int32
	DeleteCalls  atomic.Int32

	createFailures  atomic.Int32
	channelFailures atomic.Int32

	mu      sync.Mutex
	kernels map[string]*kernel
	envs    []map[string]string

	log logger.Logger
}

type kernel struct {
	model *client.RemoteKernelModel
	conns map[*websocket.Conn]context.CancelFunc
	count int
}

func NewGateway() *Gateway {
	g := &Gateway{
		Specs: map[string]*client.KernelSpec{
			"python3": {
				Name: "python3",
				Spec: client.KernelSpecFile{Argv: []string{"python3"}, DisplayName: "Python 3", Language: "python"},
			},
			"ir": {
				Name: "ir",
				Spec: client.KernelSpecFile{Argv: []string{"R"}, DisplayName: "R", Language: "R"},
			},
		},
		Results: make(map[string]string),
		kernels: make(map[string]*kernel),
	}
	config.InitLogger(&g.log, g)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/kernels", g.handleKernels)
	mux.HandleFunc("/api/kernels/", g.handleKernel)
	mux.HandleFunc("/api/kernelspecs", g.handleKernelSpecs)
	g.Server = httptest.NewServer(mux)

	return g
}

func (g *Gateway) URL() string {
	return g.Server.URL
}

func (g *Gateway) Close() {
	for _, id := range g.KernelIDs() {
		g.DropChannels(id)
	}

	g.Server.Close()
}

// FailCreates makes the next n kernel creation requests fail with HTTP 500.
func (g *Gateway) FailCreates(n int) {
	g.createFailures.Store(int32(n))
}

// FailChannels makes the next n channel handshakes fail with HTTP 503.
func (g *Gateway) FailChannels(n int) {
	g.channelFailures.Store(int32(n))
}

// AddKernel registers a kernel that was not created through the API.
func (g *Gateway) AddKernel(id string, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.kernels[id] = &kernel{
		model: &client.RemoteKernelModel{ID: id, Name: name, ExecutionState: "idle"},
		conns: make(map[*websocket.Conn]context.CancelFunc),
	}
}

// RemoveKernel forgets a kernel without closing its channels, as a gateway restart would.
func (g *Gateway) RemoveKernel(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.kernels, id)
}

func (g *Gateway) KernelIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.kernels))
	for id := range g.kernels {
		ids = append(ids, id)
	}
	return ids
}

func (g *Gateway) HasKernel(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.kernels[id]
	return ok
}

// Environments returns the env of every kernel creation request, oldest first.
func (g *Gateway) Environments() []map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	envs := make([]map[string]string, len(g.envs))
	copy(envs, g.envs)
	return envs
}

// NumConnections returns the number of open channels of a kernel.
func (g *Gateway) NumConnections(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if k, ok := g.kernels[id]; ok {
		return len(k.conns)
	}
	return 0
}

// PublishDead sends a "dead" status on every channel of a kernel.
func (g *Gateway) PublishDead(id string) {
	msg, _ := messaging.NewMessage(messaging.IOPubChannel, messaging.IOStatusMessage, uuid.NewString(), "",
		&messaging.MessageKernelStatus{Status: messaging.MessageKernelStatusDead})

	for _, conn := range g.connsOf(id) {
		_ = wsjson.Write(context.Background(), conn, msg)
	}
}

// DropChannels closes every channel of a kernel without a close handshake.
func (g *Gateway) DropChannels(id string) {
	g.mu.Lock()
	var cancels []context.CancelFunc
	var conns []*websocket.Conn
	if k, ok := g.kernels[id]; ok {
		for conn, cancel := range k.conns {
			conns = append(conns, conn)
			cancels = append(cancels, cancel)
		}
	}
	g.mu.Unlock()

	for i, conn := range conns {
		cancels[i]()
		_ = conn.CloseNow()
	}
}

func (g *Gateway) connsOf(id string) []*websocket.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()

	k, ok := g.kernels[id]
	if !ok {
		return nil
	}

	conns := make([]*websocket.Conn, 0, len(k.conns))
	for conn := range k.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (g *Gateway) handleKernels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.mu.Lock()
		models := make([]*client.RemoteKernelModel, 0, len(g.kernels))
		for _, k := range g.kernels {
			models = append(models, k.model)
		}
		g.mu.Unlock()

		writeJSON(w, http.StatusOK, models)
	case http.MethodPost:
		g.CreateCalls.Add(1)

		if g.createFailures.Add(-1) >= 0 {
			http.Error(w, "kernel creation failed", http.StatusInternalServerError)
			return
		}

		var body struct {
			Name string            `json:"name"`
			Env  map[string]string `json:"env"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if _, ok := g.Specs[body.Name]; !ok {
			http.Error(w, fmt.Sprintf("no such kernel %s", body.Name), http.StatusNotFound)
			return
		}

		id := uuid.NewString()
		g.AddKernel(id, body.Name)

		g.mu.Lock()
		g.envs = append(g.envs, body.Env)
		model := g.kernels[id].model
		g.mu.Unlock()

		g.log.Debug("Created kernel %s (%s)", id, body.Name)
		writeJSON(w, http.StatusCreated, model)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleKernel(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/kernels/")
	id, suffix, _ := strings.Cut(rest, "/")

	if suffix == "channels" {
		g.serveChannel(w, r, id)
		return
	}

	g.mu.Lock()
	k, ok := g.kernels[id]
	g.mu.Unlock()

	if !ok {
		http.Error(w, fmt.Sprintf("kernel %s not found", id), http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, k.model)
	case http.MethodDelete:
		g.DeleteCalls.Add(1)
		g.DropChannels(id)
		g.RemoveKernel(id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleKernelSpecs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":     client.DefaultKernelName,
		"kernelspecs": g.Specs,
	})
}

func (g *Gateway) serveChannel(w http.ResponseWriter, r *http.Request, id string) {
	g.ChannelCalls.Add(1)

	if g.channelFailures.Add(-1) >= 0 {
		http.Error(w, "channel unavailable", http.StatusServiceUnavailable)
		return
	}

	g.mu.Lock()
	k, ok := g.kernels[id]
	g.mu.Unlock()

	if !ok {
		http.Error(w, fmt.Sprintf("kernel %s not found", id), http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		g.log.Error("Error: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.mu.Lock()
	k.conns[conn] = cancel
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(k.conns, conn)
		g.mu.Unlock()
	}()

	for {
		var msg messaging.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}

		if msg.MsgType() == messaging.ShellExecuteRequest {
			g.execute(ctx, conn, k, &msg)
		}
	}
}

func (g *Gateway) execute(ctx context.Context, conn *websocket.Conn, k *kernel, request *messaging.Message) {
	var content messaging.ExecuteRequest
	if err := request.DecodeContent(&content); err != nil {
		g.log.Warn("Invalid execute_request: %v", err)
		return
	}

	g.mu.Lock()
	k.count++
	count := k.count
	g.mu.Unlock()

	send := func(channel string, msgType messaging.JupyterMessageType, content interface{}) {
		msg, err := messaging.NewReply(request, channel, msgType, content)
		if err != nil {
			return
		}
		_ = wsjson.Write(ctx, conn, msg)
	}

	send(messaging.IOPubChannel, messaging.IOStatusMessage, &messaging.MessageKernelStatus{Status: messaging.MessageKernelStatusBusy})

	outputs, failure := fake_kernel.Evaluate(content.Code, count, g.Results)
	for _, output := range outputs {
		send(messaging.IOPubChannel, output.MsgType, output.Content)
	}

	status := "ok"
	if failure != nil {
		status = "error"
		send(messaging.IOPubChannel, messaging.IOErrorMessage, failure)
	}

	send(messaging.ShellChannel, messaging.ShellExecuteReply, &messaging.MessageExecuteReply{Status: status, ExecutionCount: count})
	send(messaging.IOPubChannel, messaging.IOStatusMessage, &messaging.MessageKernelStatus{Status: messaging.MessageKernelStatusIdle})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
