package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seralvarez/capturefleet/internal/wire"
)

const (
	reconnectBase = 2 * time.Second
	reconnectMax  = 30 * time.Second
)

// Client maintains the runner's connection to the hub, reconnecting with
// backoff when it drops. It implements Emitter for the orchestrator.
type Client struct {
	cfg Config

	mu sync.Mutex
	ws *websocket.Conn
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Emit sends an envelope to the hub. Events emitted while disconnected are
// dropped with a log line; the hub treats a silent runner as failed anyway.
func (c *Client) Emit(msgType string, payload interface{}) {
	msg, err := wire.MakeEnvelope(msgType, payload)
	if err != nil {
		log.Printf("runner %s: encoding %s: %v", c.cfg.RunnerID, msgType, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		log.Printf("runner %s: dropping %s, not connected", c.cfg.RunnerID, msgType)
		return
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		log.Printf("runner %s: sending %s: %v", c.cfg.RunnerID, msgType, err)
	}
}

// Run connects to the hub and processes assignments until ctx is cancelled.
func (c *Client) Run(ctx context.Context, orch *Orchestrator) error {
	dialURL, err := c.dialURL()
	if err != nil {
		return err
	}

	backoff := reconnectBase
	for {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("runner %s: connecting to hub: %v (retrying in %s)", c.cfg.RunnerID, err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		log.Printf("runner %s: connected to %s", c.cfg.RunnerID, c.cfg.HubURL)
		backoff = reconnectBase
		c.setConn(ws)
		c.readLoop(ctx, ws, orch)
		c.setConn(nil)
		ws.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("runner %s: hub connection lost, reconnecting", c.cfg.RunnerID)
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, orch *Orchestrator) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Printf("runner %s: bad envelope: %v", c.cfg.RunnerID, err)
			continue
		}

		switch env.Type {
		case wire.TypeRunJob:
			var p wire.RunJobPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				log.Printf("runner %s: bad run_job payload: %v", c.cfg.RunnerID, err)
				continue
			}
			log.Printf("runner %s: assigned job %s (%s)", c.cfg.RunnerID, p.Job.ID, p.Job.Project)
			go orch.Execute(ctx, p.Job)

		case wire.TypePromptResponse:
			var p wire.PromptResponsePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				log.Printf("runner %s: bad prompt response payload: %v", c.cfg.RunnerID, err)
				continue
			}
			orch.HandlePromptResponse(p.JobID, p.PromptID, p.Input)

		default:
			log.Printf("runner %s: ignoring message type %s", c.cfg.RunnerID, env.Type)
		}
	}
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.HubURL)
	if err != nil {
		return "", fmt.Errorf("parsing hub URL: %w", err)
	}
	q := u.Query()
	q.Set("type", "runner")
	q.Set("runnerId", c.cfg.RunnerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
