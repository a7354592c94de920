package client

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 15 * time.Second

	channelReadLimit = 16 << 20
)

// kernelChannel is the WebSocket connection to one remote kernel.
//
// onLost is called at most once, when the connection fails for any reason other than Close.
type kernelChannel struct {
	kernelID string
	conn     *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	onMessage MessageHandler
	onLost    func(err error)

	closing  atomic.Bool
	isLost   atomic.Bool
	lostOnce sync.Once

	log logger.Logger
}

func dialChannel(ctx context.Context, kernelID string, url string, headers http.Header, heartbeatInterval time.Duration,
	heartbeatTimeout time.Duration, onMessage MessageHandler, onLost func(error), log logger.Logger) (*kernelChannel, error) {

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &GatewayError{
				Method:     http.MethodGet,
				URL:        url,
				StatusCode: resp.StatusCode,
				Body:       err.Error(),
			}
		}
		return nil, errors.Wrapf(err, "failed to open channel of kernel %s", kernelID)
	}
	conn.SetReadLimit(channelReadLimit)

	channelCtx, cancel := context.WithCancel(context.Background())
	channel := &kernelChannel{
		kernelID:  kernelID,
		conn:      conn,
		ctx:       channelCtx,
		cancel:    cancel,
		onMessage: onMessage,
		onLost:    onLost,
		log:       log,
	}

	go channel.readLoop()
	if heartbeatInterval > 0 {
		go channel.heartbeat(heartbeatInterval, heartbeatTimeout)
	}

	return channel, nil
}

func (c *kernelChannel) Send(ctx context.Context, msg *messaging.Message) error {
	if c.closing.Load() {
		return errors.Errorf("channel of kernel %s is closed", c.kernelID)
	}

	return wsjson.Write(ctx, c.conn, msg)
}

// Close closes the connection without reporting it as lost.
func (c *kernelChannel) Close() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
}

// CloseAsync marks the channel closed immediately and completes the close handshake in the
// background. It is safe to call from a MessageHandler.
func (c *kernelChannel) CloseAsync() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	go func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	}()
}

func (c *kernelChannel) lost(err error) {
	if c.closing.Load() {
		return
	}

	c.lostOnce.Do(func() {
		c.isLost.Store(true)
		c.closing.Store(true)
		c.cancel()
		_ = c.conn.Close(websocket.StatusGoingAway, "")

		if c.onLost != nil {
			c.onLost(err)
		}
	})
}

// Lost reports whether the connection failed. onLost may still be running when it returns true.
func (c *kernelChannel) Lost() bool {
	return c.isLost.Load()
}

func (c *kernelChannel) readLoop() {
	for {
		var msg messaging.Message
		if err := wsjson.Read(c.ctx, c.conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.log.Debug("Channel of kernel %s closed by the gateway.", c.kernelID)
			}
			c.lost(errors.Wrapf(err, "channel of kernel %s lost", c.kernelID))
			return
		}

		if msg.Channel == "" {
			msg.Channel = messaging.IOPubChannel
		}

		if c.onMessage != nil {
			c.onMessage(&msg)
		}
	}
}

func (c *kernelChannel) heartbeat(interval time.Duration, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, timeout)
			err := c.conn.Ping(ctx)
			cancel()

			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.lost(errors.Wrapf(err, "heartbeat of kernel %s timed out", c.kernelID))
				return
			}
		}
	}
}
