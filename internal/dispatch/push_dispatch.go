package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// PushNotifier hands notifications for users without a live socket to an
// external push provider over HTTP.
type PushNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewPushNotifier(endpoint string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushRequest struct {
	UserID  string `json:"user_id"`
	Payload any    `json:"payload"`
}

func (p *PushNotifier) Push(ctx context.Context, userID string, payload any) error {
	b, err := json.Marshal(pushRequest{UserID: userID, Payload: payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return models.Unavailable("push", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return models.Unavailable("push", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}
