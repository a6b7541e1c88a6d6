package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
)

const (
	DefaultExpoHost = "https://exp.host"
	expoAPIPath     = "/--/api/v2"
)

var ErrInvalidPushToken = errors.New("invalid expo push token")

// Message is one Expo push notification.
type Message struct {
	To    string
	Sound string
	Title string
	Body  string
	Data  map[string]string
}

// ExpoClient delivers messages through the Expo push service.
type ExpoClient struct {
	client *expo.PushClient
}

func NewExpoClient(host string) *ExpoClient {
	if host == "" {
		host = DefaultExpoHost
	}
	return &ExpoClient{
		client: expo.NewPushClient(&expo.ClientConfig{
			Host:       host,
			APIURL:     expoAPIPath,
			HTTPClient: &http.Client{Timeout: 10 * time.Second},
		}),
	}
}

type publishResult struct {
	resp expo.PushResponse
	err  error
}

// Send publishes msg and checks the returned ticket. The SDK call is bounded by the
// HTTP client timeout; ctx only stops the wait.
func (c *ExpoClient) Send(ctx context.Context, msg Message) error {
	token, err := expo.NewExponentPushToken(msg.To)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPushToken, msg.To)
	}
	if msg.Sound == "" {
		msg.Sound = "default"
	}

	done := make(chan publishResult, 1)
	go func() {
		resp, err := c.client.Publish(&expo.PushMessage{
			To:       []expo.ExponentPushToken{token},
			Title:    msg.Title,
			Body:     msg.Body,
			Data:     msg.Data,
			Sound:    msg.Sound,
			Priority: expo.DefaultPriority,
		})
		done <- publishResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("expo push: %w", res.err)
		}
		if err := res.resp.ValidateResponse(); err != nil {
			return fmt.Errorf("expo push rejected: %w", err)
		}
		return nil
	}
}
