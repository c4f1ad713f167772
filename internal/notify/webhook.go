package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook posts messages to a push gateway for captains without an open
// console.
type Webhook struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhook(endpoint, key string) *Webhook {
	return &Webhook{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *Webhook) Notify(ctx context.Context, captainID string, m Message) error {
	b, err := json.Marshal(map[string]any{"captainId": captainID, "message": m})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify webhook: status %d", resp.StatusCode)
	}
	return nil
}
