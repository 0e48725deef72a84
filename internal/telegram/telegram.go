// Package telegram adapts the MTProto client library behind a small
// capability interface. The execution engine only ever sees Dialer and
// Client; everything protocol-specific stays inside this package.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tgsuite/backend/internal/models"
)

// Common errors
var (
	// ErrNotAuthorized means the session connected but Telegram no longer
	// accepts it. Re-authentication is a human step, never a retry.
	ErrNotAuthorized = errors.New("session not authorized")

	// ErrAccountDeactivated means Telegram banned or deactivated the account
	ErrAccountDeactivated = errors.New("account deactivated by telegram")

	// ErrInvalidPayload means a required payload field is missing or malformed
	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrClientClosed is returned by operations on a closed client
	ErrClientClosed = errors.New("client is closed")
)

// FloodWaitError is Telegram telling us to slow down. Retryable, but not
// before RetryAfter has passed.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.RetryAfter)
}

// Credentials identifies the API application an account was registered under
type Credentials struct {
	APIID   int
	APIHash string
	Phone   string
}

// ProxyConfig routes the MTProto transport through a proxy
type ProxyConfig struct {
	Protocol string // socks5 only for MTProto transport
	Addr     string // host:port
	Username string
	Password string
}

// Profile is the subset of the Telegram self-user the backend cares about
type Profile struct {
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string
}

// Action is a validated, typed automation action ready for dispatch
type Action struct {
	Type models.TaskType

	PhotoPath string
	Bio       string
	Username  string
	MediaPath string
	Message   string

	// Peers holds one entry for peer_id payloads, several for peer_ids
	Peers []string
}

// Client is one live, authorized-or-not connection for one account.
// A Client must be used by at most one logical operation at a time.
type Client interface {
	// IsAuthorized reports whether Telegram still accepts the session
	IsAuthorized(ctx context.Context) (bool, error)

	// Do performs one validated action
	Do(ctx context.Context, action Action) error

	// Self fetches the account's own profile, used as a health probe
	Self(ctx context.Context) (*Profile, error)

	// Close tears the connection down. Safe to call more than once and on
	// every exit path.
	Close() error
}

// Dialer opens connections. The production implementation speaks MTProto;
// tests substitute their own.
type Dialer interface {
	Connect(ctx context.Context, session []byte, creds Credentials, proxy *ProxyConfig) (Client, error)
}

// ActionFromPayload validates the payload for the given task type and builds
// a typed Action. A missing or malformed required field is ErrInvalidPayload.
func ActionFromPayload(taskType models.TaskType, payload map[string]interface{}) (Action, error) {
	action := Action{Type: taskType}

	switch taskType {
	case models.TaskProfilePhoto:
		path, err := stringField(payload, "photo_path")
		if err != nil {
			return Action{}, err
		}
		action.PhotoPath = path

	case models.TaskBioUpdate:
		bio, err := stringField(payload, "bio")
		if err != nil {
			return Action{}, err
		}
		action.Bio = bio

	case models.TaskUsernameUpdate:
		username, err := stringField(payload, "username")
		if err != nil {
			return Action{}, err
		}
		action.Username = username

	case models.TaskMediaSend:
		path, err := stringField(payload, "media_path")
		if err != nil {
			return Action{}, err
		}
		peers, err := peerField(payload)
		if err != nil {
			return Action{}, err
		}
		action.MediaPath = path
		action.Peers = peers

	case models.TaskMessageSend:
		message, err := stringField(payload, "message")
		if err != nil {
			return Action{}, err
		}
		peers, err := peerField(payload)
		if err != nil {
			return Action{}, err
		}
		action.Message = message
		action.Peers = peers

	default:
		return Action{}, fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, taskType)
	}

	return action, nil
}

func stringField(payload map[string]interface{}, key string) (string, error) {
	raw, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("%w: missing field %q", ErrInvalidPayload, key)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: field %q must be a non-empty string", ErrInvalidPayload, key)
	}
	return value, nil
}

// peerField accepts either peer_id (single) or peer_ids (list). Peers are
// opaque identifiers: usernames, phone numbers or numeric ids.
func peerField(payload map[string]interface{}) ([]string, error) {
	if raw, ok := payload["peer_ids"]; ok {
		list, ok := raw.([]interface{})
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("%w: field \"peer_ids\" must be a non-empty list", ErrInvalidPayload)
		}
		peers := make([]string, 0, len(list))
		for _, entry := range list {
			peer, err := peerString(entry)
			if err != nil {
				return nil, err
			}
			peers = append(peers, peer)
		}
		return peers, nil
	}

	raw, ok := payload["peer_id"]
	if !ok {
		return nil, fmt.Errorf("%w: missing field \"peer_id\"", ErrInvalidPayload)
	}
	peer, err := peerString(raw)
	if err != nil {
		return nil, err
	}
	return []string{peer}, nil
}

func peerString(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("%w: empty peer id", ErrInvalidPayload)
		}
		return v, nil
	case float64:
		// JSON numbers decode as float64
		return fmt.Sprintf("%.0f", v), nil
	case int:
		return fmt.Sprintf("%d", v), nil
	case int64:
		return fmt.Sprintf("%d", v), nil
	default:
		return "", fmt.Errorf("%w: peer id must be a string or number", ErrInvalidPayload)
	}
}
