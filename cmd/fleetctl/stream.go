package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seralvarez/capturefleet/internal/job"
	"github.com/seralvarez/capturefleet/internal/wire"
)

func dialHub(base string) (*websocket.Conn, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing hub URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to hub: %w", err)
	}
	return ws, nil
}

func sendEnvelope(ws *websocket.Conn, msgType string, payload interface{}) error {
	msg, err := wire.MakeEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, msg)
}

func readEnvelope(ws *websocket.Conn, timeout time.Duration) (wire.Envelope, error) {
	var env wire.Envelope
	ws.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(msg, &env)
	return env, err
}

// streamJob prints events as they arrive. With a job id it filters to that
// job and returns when it completes; without one it streams everything.
func streamJob(ws *websocket.Conn, jobID string) error {
	for {
		ws.SetReadDeadline(time.Time{})
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var env wire.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}

		switch env.Type {
		case wire.TypeJobUpdate:
			upd := decodeUpdate(env)
			if jobID != "" && upd.JobID != jobID {
				continue
			}
			line := fmt.Sprintf("[%s] %s", upd.JobID, upd.Status)
			if upd.Message != "" {
				line += ": " + upd.Message
			}
			fmt.Println(line)

		case wire.TypeLog:
			var p wire.LogPayload
			json.Unmarshal(env.Payload, &p)
			if jobID != "" && p.JobID != jobID {
				continue
			}
			fmt.Printf("[%s] %s\n", p.JobID, strings.TrimRight(p.Message, "\n"))

		case wire.TypeJobArtifact:
			var p wire.JobArtifactPayload
			json.Unmarshal(env.Payload, &p)
			if jobID != "" && p.JobID != jobID {
				continue
			}
			fmt.Printf("[%s] artifact: %s\n", p.JobID, p.URL)

		case wire.TypePromptRequired:
			var p wire.PromptRequiredPayload
			json.Unmarshal(env.Payload, &p)
			if jobID != "" && p.JobID != jobID {
				continue
			}
			fmt.Printf("[%s] PROMPT %s: %s\n", p.JobID, p.PromptID, p.Prompt)
			fmt.Printf("  answer with: fleetctl respond %s %s <input>\n", p.JobID, p.PromptID)

		case wire.TypeJobComplete:
			var p wire.JobCompletePayload
			json.Unmarshal(env.Payload, &p)
			if jobID != "" && p.JobID != jobID {
				continue
			}
			fmt.Printf("[%s] %s: %d captures in %s\n", p.JobID, p.Status, p.Captures, p.Duration)
			for _, e := range p.Errors {
				fmt.Printf("  error: %s\n", e)
			}
			for _, a := range p.Artifacts {
				fmt.Printf("  artifact: %s\n", a)
			}
			if jobID != "" {
				if p.Status != job.StateCompleted {
					return fmt.Errorf("job %s failed", jobID)
				}
				return nil
			}

		case wire.TypeError:
			return fmt.Errorf("%s", decodeError(env))
		}
	}
}

func decodeUpdate(env wire.Envelope) wire.JobUpdatePayload {
	var p wire.JobUpdatePayload
	json.Unmarshal(env.Payload, &p)
	return p
}

func decodeError(env wire.Envelope) string {
	var p wire.ErrorPayload
	json.Unmarshal(env.Payload, &p)
	return p.Message
}
