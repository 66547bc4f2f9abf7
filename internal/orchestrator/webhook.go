package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// newWebhookRequest builds a JSON POST to a caller-supplied webhook.
func newWebhookRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// deliverWebhook sends the request with a short deadline. Webhook failures
// never affect crawl or batch outcomes; callers log and move on.
func deliverWebhook(req *http.Request) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
