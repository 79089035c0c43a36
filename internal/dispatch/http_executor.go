package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPExecutor forwards a call to an external collaborator such as the
// nested team runner or the code execution controller, and uses the
// response text as the function result.
type HTTPExecutor struct {
	HTTPClient *http.Client
	URL        string
	Token      string
}

type executeRequest struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	CallID         string         `json:"call_id"`
	Name           string         `json:"name"`
	Text           string         `json:"text,omitempty"`
	Arguments      map[string]any `json:"arguments"`
}

type executeResponse struct {
	Result *string `json:"result"`
	Text   *string `json:"text"`
	Error  string  `json:"error"`
}

func NewHTTPExecutor(url, token string) *HTTPExecutor {
	return &HTTPExecutor{
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
		URL:        url,
		Token:      token,
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, call Call) (string, error) {
	if e.URL == "" {
		return "", fmt.Errorf("executor url missing for %s", call.Name)
	}
	reqBody, _ := json.Marshal(executeRequest{
		ConversationID: call.ConversationID,
		CallID:         call.ID,
		Name:           call.Name,
		Text:           call.Text(),
		Arguments:      call.Arguments,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	if e.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.Token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s error: status=%d body=%s", call.Name, resp.StatusCode, string(b))
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return strings.TrimSpace(string(b)), nil
	}
	var er executeResponse
	if err := json.Unmarshal(b, &er); err != nil {
		return "", err
	}
	if er.Error != "" {
		return "", fmt.Errorf("%s error: %s", call.Name, er.Error)
	}
	switch {
	case er.Result != nil:
		return strings.TrimSpace(*er.Result), nil
	case er.Text != nil:
		return strings.TrimSpace(*er.Text), nil
	}
	return strings.TrimSpace(string(b)), nil
}
