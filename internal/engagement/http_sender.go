package engagement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSender POSTs each event as JSON.
type HTTPSender struct {
	url    string
	client *http.Client
	signer *Signer
}

// NewHTTPSender builds a sender for url. signer may be nil for an
// unauthenticated collector.
func NewHTTPSender(url string, client *http.Client, signer *Signer) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSender{url: url, client: client, signer: signer}
}

func (s *HTTPSender) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.signer != nil {
		token, err := s.signer.Sign(ev, body)
		if err != nil {
			return fmt.Errorf("sign beacon: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("engagement collector returned %s", resp.Status)
	}
	return nil
}
