package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/opentracing-contrib/go-stdlib/nethttp"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
)

const (
	defaultGatewayRequestTimeout = 30 * time.Second

	kernelsPath     = "api/kernels"
	kernelSpecsPath = "api/kernelspecs"
)

var (
	ErrGatewayNotConfigured = fmt.Errorf("remote kernel gateway is not configured")
)

// GatewayError is returned when the kernel gateway answers with a non-2xx status.
type GatewayError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsNotFound returns true if err is a GatewayError with status 404.
func IsNotFound(err error) bool {
	var gatewayErr *GatewayError
	return errors.As(err, &gatewayErr) && gatewayErr.StatusCode == http.StatusNotFound
}

// GatewayConfig locates a Jupyter kernel gateway.
//
// If URL is set, requests go to URL with HTTP basic authentication using User and Password.
// Otherwise they go to Protocol://Host:Port with Token passed as the "token" query parameter.
type GatewayConfig struct {
	URL      string `json:"url,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"-"`

	Protocol string `json:"protocol,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Token    string `json:"-"`
}

func (c *GatewayConfig) Configured() bool {
	return c.URL != "" || c.Host != ""
}

// URLFor returns the URL of path on the gateway and the headers to send with the request.
// If ws is true, the scheme is rewritten to ws or wss.
func (c *GatewayConfig) URLFor(path string, ws bool) (string, http.Header) {
	headers := http.Header{}
	headers.Set("Accept", "application/json")
	headers.Set("Content-Type", "application/json")

	path = strings.Trim(path, "/")

	var target string
	if c.URL != "" {
		target = fmt.Sprintf("%s/%s", strings.TrimRight(c.URL, "/"), path)
		credentials := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", c.User, c.Password)))
		headers.Set("Authorization", "Basic "+credentials)
	} else {
		protocol := c.Protocol
		if protocol == "" {
			protocol = "http"
		}
		target = fmt.Sprintf("%s://%s:%d/%s?token=%s", protocol, c.Host, c.Port, path, url.QueryEscape(c.Token))
	}

	if ws {
		if strings.HasPrefix(target, "https://") {
			target = "wss://" + strings.TrimPrefix(target, "https://")
		} else if strings.HasPrefix(target, "http://") {
			target = "ws://" + strings.TrimPrefix(target, "http://")
		}
	}

	return target, headers
}

// RemoteKernelModel is a kernel as reported by the gateway.
type RemoteKernelModel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	LastActivity   string `json:"last_activity,omitempty"`
	ExecutionState string `json:"execution_state,omitempty"`
	Connections    int    `json:"connections,omitempty"`
}

type createKernelRequest struct {
	Name string            `json:"name,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// GatewayAPI is the REST API of a Jupyter kernel gateway.
type GatewayAPI interface {
	CreateKernel(ctx context.Context, name string, env map[string]string) (*RemoteKernelModel, error)
	ListKernels(ctx context.Context) ([]*RemoteKernelModel, error)
	DeleteKernel(ctx context.Context, kernelID string) error
	ListKernelSpecs(ctx context.Context) (map[string]*KernelSpec, error)

	// ChannelURL returns the WebSocket URL and headers of a kernel's channel endpoint.
	ChannelURL(kernelID string) (string, http.Header)
}

// GatewayClient implements GatewayAPI over HTTP, tracing every request with OpenTracing.
type GatewayClient struct {
	config GatewayConfig
	client *http.Client
	tracer opentracing.Tracer

	log logger.Logger
}

// NewGatewayClient creates a GatewayClient. A nil tracer selects opentracing.GlobalTracer().
func NewGatewayClient(cfg GatewayConfig, tracer opentracing.Tracer) (*GatewayClient, error) {
	if !cfg.Configured() {
		return nil, ErrGatewayNotConfigured
	}

	if tracer == nil {
		tracer = opentracing.GlobalTracer()
	}

	c := &GatewayClient{
		config: cfg,
		client: &http.Client{
			Transport: &nethttp.Transport{RoundTripper: http.DefaultTransport},
			Timeout:   defaultGatewayRequestTimeout,
		},
		tracer: tracer,
	}
	config.InitLogger(&c.log, c)

	return c, nil
}

func (c *GatewayClient) CreateKernel(ctx context.Context, name string, env map[string]string) (*RemoteKernelModel, error) {
	body, err := json.Marshal(&createKernelRequest{Name: name, Env: env})
	if err != nil {
		return nil, err
	}

	var kernel RemoteKernelModel
	if err := c.do(ctx, http.MethodPost, kernelsPath, body, &kernel); err != nil {
		return nil, err
	}

	if kernel.ID == "" {
		return nil, errors.Errorf("gateway created kernel \"%s\" without returning its id", name)
	}

	c.log.Debug("Gateway created kernel %s (%s).", kernel.ID, kernel.Name)
	return &kernel, nil
}

func (c *GatewayClient) ListKernels(ctx context.Context) ([]*RemoteKernelModel, error) {
	var kernels []*RemoteKernelModel
	if err := c.do(ctx, http.MethodGet, kernelsPath, nil, &kernels); err != nil {
		return nil, err
	}

	return kernels, nil
}

// DeleteKernel deletes a kernel. A kernel the gateway no longer knows about counts as deleted.
func (c *GatewayClient) DeleteKernel(ctx context.Context, kernelID string) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/%s", kernelsPath, url.PathEscape(kernelID)), nil, nil)
	if IsNotFound(err) {
		c.log.Debug("Kernel %s was already gone from the gateway.", kernelID)
		return nil
	}

	return err
}

// ListKernelSpecs returns the gateway's kernelspecs keyed by flavor. Both the bare mapping and
// the {"default": ..., "kernelspecs": {...}} form are accepted.
func (c *GatewayClient) ListKernelSpecs(ctx context.Context) (map[string]*KernelSpec, error) {
	var payload map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, kernelSpecsPath, nil, &payload); err != nil {
		return nil, err
	}

	if wrapped, ok := payload["kernelspecs"]; ok {
		var specs map[string]*KernelSpec
		if err := json.Unmarshal(wrapped, &specs); err != nil {
			return nil, errors.Wrap(err, "invalid kernelspecs payload")
		}
		return specs, nil
	}

	specs := make(map[string]*KernelSpec, len(payload))
	for name, raw := range payload {
		var spec KernelSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			c.log.Warn("Ignoring invalid kernelspec \"%s\": %v", name, err)
			continue
		}
		specs[name] = &spec
	}

	return specs, nil
}

func (c *GatewayClient) ChannelURL(kernelID string) (string, http.Header) {
	target, headers := c.config.URLFor(fmt.Sprintf("%s/%s/channels", kernelsPath, url.PathEscape(kernelID)), true)
	headers.Del("Content-Type")
	return target, headers
}

func (c *GatewayClient) do(ctx context.Context, method string, path string, body []byte, out interface{}) error {
	target, headers := c.config.URLFor(path, false)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header = headers

	req, ht := nethttp.TraceRequest(c.tracer, req, nethttp.OperationName(fmt.Sprintf("gateway %s %s", method, path)))
	defer ht.Finish()

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response of %s %s", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{
			Method:     method,
			URL:        path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "invalid response to %s %s", method, path)
	}

	return nil
}
