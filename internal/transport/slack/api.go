package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

const defaultAPIBase = "https://slack.com/api/"

const (
	maxListPages     = 50
	maxRateLimitWait = 3 // retries after HTTP 429 before giving up
)

// apiClient wraps the slack-go Web API client with the bot's post pacing
// and Retry-After handling.
type apiClient struct {
	api *slack.Client

	// postLimiter keeps chat.postMessage under Slack's ~1 msg/s guidance.
	postLimiter *rate.Limiter
}

func newAPIClient(base, token string, postsPerSec float64) *apiClient {
	base = strings.TrimSpace(base)
	if base == "" {
		base = defaultAPIBase
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if postsPerSec <= 0 {
		postsPerSec = 1
	}
	return &apiClient{
		api: slack.New(strings.TrimSpace(token),
			slack.OptionAPIURL(base),
			slack.OptionHTTPClient(&http.Client{Timeout: 15 * time.Second}),
		),
		postLimiter: rate.NewLimiter(rate.Limit(postsPerSec), 1),
	}
}

// withRetry repeats call while Slack answers 429, waiting out Retry-After.
func withRetry(ctx context.Context, method string, call func() error) error {
	for attempt := 0; ; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		var rl *slack.RateLimitedError
		if !errors.As(err, &rl) || attempt >= maxRateLimitWait {
			return fmt.Errorf("slack %s: %w", method, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.RetryAfter):
		}
	}
}

func (c *apiClient) rtmConnect(ctx context.Context) (*slack.Info, string, error) {
	var (
		info  *slack.Info
		wsURL string
	)
	err := withRetry(ctx, "rtm.connect", func() (err error) {
		info, wsURL, err = c.api.ConnectRTMContext(ctx)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if info == nil || info.User == nil {
		return nil, "", errors.New("slack rtm.connect: no self in response")
	}
	return info, wsURL, nil
}

func (c *apiClient) listChannels(ctx context.Context) ([]slack.Channel, error) {
	params := &slack.GetConversationsParameters{
		Types:           []string{"public_channel"},
		ExcludeArchived: true,
		Limit:           200,
	}
	var all []slack.Channel
	for page := 0; page < maxListPages; page++ {
		var (
			chans []slack.Channel
			next  string
		)
		err := withRetry(ctx, "conversations.list", func() (err error) {
			chans, next, err = c.api.GetConversationsContext(ctx, params)
			return err
		})
		if err != nil {
			return all, err
		}
		all = append(all, chans...)
		if next == "" {
			break
		}
		params.Cursor = next
	}
	return all, nil
}

func (c *apiClient) listUsers(ctx context.Context) ([]slack.User, error) {
	var users []slack.User
	err := withRetry(ctx, "users.list", func() (err error) {
		users, err = c.api.GetUsersContext(ctx, slack.GetUsersOptionLimit(200))
		return err
	})
	return users, err
}

func (c *apiClient) postMessage(ctx context.Context, channel, text string, asUser, unfurl bool) error {
	if err := c.postLimiter.Wait(ctx); err != nil {
		return err
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false), slack.MsgOptionAsUser(asUser)}
	if !unfurl {
		opts = append(opts, slack.MsgOptionDisableLinkUnfurl(), slack.MsgOptionDisableMediaUnfurl())
	}
	return withRetry(ctx, "chat.postMessage", func() error {
		_, _, err := c.api.PostMessageContext(ctx, channel, opts...)
		return err
	})
}
