package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shohag/hookrelay/internal/signing"
)

// maxResponseBody bounds how much of a receiver's response is retained on
// the delivery record.
const maxResponseBody = 1000

// Envelope is the wire payload POSTed to a webhook. The body bytes are the
// canonical JSON form of this structure and are exactly what the signature
// covers.
type Envelope struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	CreatedAt string          `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// Outcome classifies one HTTP delivery attempt. Err is empty for attempts
// that reached the endpoint; StatusCode is zero for transport failures.
type Outcome struct {
	Success      bool
	StatusCode   int
	ResponseBody string
	Err          string
	DurationMs   int64
}

type Sender struct {
	client    *http.Client
	userAgent string
}

func NewSender(timeout time.Duration, userAgent string) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
		},
		userAgent: userAgent,
	}
}

// Send signs the envelope and POSTs it to url. It never returns an error;
// every failure mode is folded into the Outcome for the state machine to
// consume.
func (s *Sender) Send(ctx context.Context, url, secret string, env Envelope) Outcome {
	start := time.Now()

	body, err := signing.CanonicalJSON(env)
	if err != nil {
		return Outcome{
			Err:        fmt.Sprintf("encode payload: %v", err),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
	signature := signing.SignBytes(body, secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{
			Err:        fmt.Sprintf("build request: %v", err),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", env.Event)
	req.Header.Set("X-Webhook-Delivery", env.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return Outcome{
			Err:        fmt.Sprintf("request failed: %v", err),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	out := Outcome{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
		DurationMs:   time.Since(start).Milliseconds(),
	}
	out.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !out.Success {
		out.Err = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return out
}
