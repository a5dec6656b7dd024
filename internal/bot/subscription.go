package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"
)

// SubscriptionChecker reports whether a user has joined the required channel.
type SubscriptionChecker interface {
	IsSubscribed(ctx context.Context, userID int64) (bool, error)
}

var memberStatuses = []string{"member", "administrator", "creator"}

// TelegramChecker asks the Bot API's getChatMember for the user's status.
type TelegramChecker struct {
	httpClient *http.Client
	apiURL     string
	token      string
	channelID  string
}

func NewTelegramChecker(apiURL, token, channelID string) *TelegramChecker {
	return &TelegramChecker{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiURL:     apiURL,
		token:      token,
		channelID:  channelID,
	}
}

type chatMemberResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		Status string `json:"status"`
	} `json:"result"`
	Description string `json:"description"`
}

func (c *TelegramChecker) IsSubscribed(ctx context.Context, userID int64) (bool, error) {
	q := url.Values{}
	q.Set("chat_id", c.channelID)
	q.Set("user_id", strconv.FormatInt(userID, 10))
	endpoint := fmt.Sprintf("%s/bot%s/getChatMember?%s", c.apiURL, c.token, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("getChatMember request failed: %w", err)
	}
	defer resp.Body.Close()

	var body chatMemberResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode getChatMember response: %w", err)
	}
	if !body.OK {
		return false, fmt.Errorf("getChatMember: %s", body.Description)
	}
	return slices.Contains(memberStatuses, body.Result.Status), nil
}
