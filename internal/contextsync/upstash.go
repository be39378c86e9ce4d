// internal/contextsync/upstash.go
package contextsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/internal/config"
)

const (
	upstashRequestTimeout = 5 * time.Second
	upstashMaxReplyBytes  = 1 << 20
)

// Upstash speaks the Upstash Redis REST protocol: one POST per command,
// the command itself encoded as a JSON array in the request body.
type Upstash struct {
	url    string
	token  string
	client *http.Client
	logger *zap.Logger
}

var _ RemoteStore = (*Upstash)(nil)

// NewUpstash builds the REST binding. Both the endpoint URL and the token
// are required; without them the provider should not have been selected.
func NewUpstash(cfg config.UpstashConfig, logger *zap.Logger) (*Upstash, error) {
	if cfg.URL == "" || cfg.Token == "" {
		return nil, errors.New("upstash remote store needs both url and token")
	}
	return &Upstash{
		url:    strings.TrimRight(cfg.URL, "/"),
		token:  cfg.Token,
		client: &http.Client{Timeout: upstashRequestTimeout},
		logger: logger.Named("upstash"),
	}, nil
}

// Available is always true once construction succeeded; individual request
// failures are reported per call.
func (u *Upstash) Available() bool { return true }

func (u *Upstash) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := []string{"SET", key, string(value)}
	if ttl > 0 {
		cmd = append(cmd, "EX", strconv.Itoa(int(ttl.Seconds())))
	}
	_, err := u.do(ctx, cmd)
	return err
}

func (u *Upstash) Get(ctx context.Context, key string) ([]byte, bool, error) {
	reply, err := u.do(ctx, []string{"GET", key})
	if err != nil {
		return nil, false, err
	}
	// GET answers a string result or a JSON null for a missing key.
	value, ok := reply.Result.(string)
	if !ok {
		return nil, false, nil
	}
	return []byte(value), true, nil
}

func (u *Upstash) Del(ctx context.Context, key string) error {
	_, err := u.do(ctx, []string{"DEL", key})
	return err
}

// Close is a no-op; the binding holds no persistent connection.
func (u *Upstash) Close() error { return nil }

type upstashReply struct {
	Result any    `json:"result"`
	Error  string `json:"error"`
}

func (u *Upstash) do(ctx context.Context, command []string) (*upstashReply, error) {
	body, err := json.Marshal(map[string]any{"command": command})
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", command[0], err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", command[0], err)
	}
	req.Header.Set("Authorization", "Bearer "+u.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", command[0], err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, upstashMaxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s reply read: %w", command[0], err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", command[0], resp.StatusCode, excerpt(payload))
	}

	var reply upstashReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, fmt.Errorf("%s reply decode: %w", command[0], err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%s rejected: %s", command[0], reply.Error)
	}
	return &reply, nil
}

func excerpt(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max]
	}
	return s
}
