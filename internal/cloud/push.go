package cloud

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harborpos/edgenode/internal/errors"
	"github.com/harborpos/edgenode/internal/logging"
	"github.com/harborpos/edgenode/internal/models"
	"github.com/harborpos/edgenode/internal/telemetry"
)

// Push event types sent by the control plane.
const (
	EventDeploymentAvailable = "deployment.available"
	EventCheckNow            = "deployment.check_now"
)

// pushEnvelope wraps every message on the push socket.
type pushEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PushHandler receives decoded push events and connectivity transitions.
type PushHandler interface {
	// OnDeploymentAvailable is called with the task carried by a
	// "deployment available" event.
	OnDeploymentAvailable(task models.DeploymentTask)
	// OnCheckNow is called for the payload-less "check now" event.
	OnCheckNow()
	// OnConnectionChange is called when the push socket connects or drops.
	OnConnectionChange(connected bool)
}

// PushListener maintains the websocket connection to the control plane and
// dispatches push events. It reconnects with capped exponential backoff.
type PushListener struct {
	url     string
	hostID  string
	handler PushHandler

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// reconnect backoff bounds
const (
	reconnectInitial = time.Second
	reconnectMax     = time.Minute
)

// NewPushListener creates a listener for the given websocket URL.
func NewPushListener(url, hostID string, handler PushHandler) *PushListener {
	return &PushListener{
		url:     url,
		hostID:  hostID,
		handler: handler,
		stopCh:  make(chan struct{}),
	}
}

// Start begins connecting and dispatching in the background.
func (p *PushListener) Start(ctx context.Context) {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.connectLoop(ctx)
}

// Stop disconnects and stops reconnecting.
func (p *PushListener) Stop() {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

func (p *PushListener) connectLoop(ctx context.Context) {
	defer p.wg.Done()

	delay := reconnectInitial
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		err := p.runConnection(ctx)
		if err != nil {
			logging.ErrorWithCode("Push connection lost",
				string(errors.ErrPushDisconnected), err,
				map[string]interface{}{"retry_in_seconds": delay.Seconds()})
		}
		p.handler.OnConnectionChange(false)

		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// runConnection dials once and reads until the socket fails.
func (p *PushListener) runConnection(ctx context.Context) error {
	header := map[string][]string{hostHeader: {p.hostID}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	logging.Info("Push connection established", map[string]interface{}{"url": p.url})
	p.handler.OnConnectionChange(true)

	// Close the socket when asked to stop so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-p.stopCh:
		case <-done:
			return
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		p.dispatch(data)
	}
}

func (p *PushListener) dispatch(data []byte) {
	var env pushEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn("Discarding malformed push message", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	telemetry.Incr(telemetry.CounterPushEvents)

	switch env.Type {
	case EventDeploymentAvailable:
		var task models.DeploymentTask
		if err := json.Unmarshal(env.Data, &task); err != nil {
			logging.Warn("Discarding malformed deployment event", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		p.handler.OnDeploymentAvailable(task)
	case EventCheckNow:
		p.handler.OnCheckNow()
	default:
		logging.Debug("Ignoring unknown push event", map[string]interface{}{
			"type": env.Type,
		})
	}
}
