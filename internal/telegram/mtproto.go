package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/tgsuite/backend/internal/models"
)

// connectReadyTimeout bounds how long Connect waits for the MTProto
// handshake before giving up.
const connectReadyTimeout = 30 * time.Second

// MTProtoDialer opens real MTProto connections via gotd/td
type MTProtoDialer struct {
	log zerolog.Logger
}

func NewMTProtoDialer(log zerolog.Logger) *MTProtoDialer {
	return &MTProtoDialer{
		log: log.With().Str("component", "mtproto").Logger(),
	}
}

// Connect builds a client around the decrypted session bytes and runs it in
// the background until Close. The returned client may still be unauthorized;
// the caller decides what that means.
func (d *MTProtoDialer) Connect(ctx context.Context, sessionBytes []byte, creds Credentials, proxyCfg *ProxyConfig) (Client, error) {
	storage := newMemorySessionStorage(sessionBytes)

	opts := telegram.Options{
		SessionStorage: storage,
	}

	if proxyCfg != nil {
		resolver, err := proxyResolver(proxyCfg)
		if err != nil {
			return nil, err
		}
		opts.Resolver = resolver
	}

	client := telegram.NewClient(creds.APIID, creds.APIHash, opts)

	runCtx, cancel := context.WithCancel(context.Background())

	c := &mtClient{
		client:  client,
		storage: storage,
		cancel:  cancel,
		runDone: make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
		log:     d.log.With().Str("phone", maskPhone(creds.Phone)).Logger(),
	}

	ready := make(chan struct{})
	errChan := make(chan error, 1)

	go func() {
		defer close(c.runDone)
		err := client.Run(runCtx, func(ctx context.Context) error {
			c.api = client.API()
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		select {
		case errChan <- err:
		default:
		}
	}()

	select {
	case <-ready:
		return c, nil
	case err := <-errChan:
		cancel()
		return nil, fmt.Errorf("failed to connect: %w", mapRPCError(err))
	case <-ctx.Done():
		cancel()
		<-c.runDone
		return nil, ctx.Err()
	case <-time.After(connectReadyTimeout):
		cancel()
		<-c.runDone
		return nil, fmt.Errorf("connect timed out after %s", connectReadyTimeout)
	}
}

// proxyResolver builds a DC resolver that dials through the configured
// proxy. Only SOCKS5 can carry the MTProto transport.
func proxyResolver(cfg *ProxyConfig) (dcs.Resolver, error) {
	if cfg.Protocol != "socks5" {
		return nil, fmt.Errorf("proxy protocol %q cannot carry mtproto, use socks5", cfg.Protocol)
	}

	var auth *proxy.Auth
	if cfg.Username != "" {
		auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", cfg.Addr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support context dialing")
	}

	return dcs.Plain(dcs.PlainOptions{Dial: contextDialer.DialContext}), nil
}

func maskPhone(phone string) string {
	if len(phone) < 4 {
		return "***"
	}
	masked := []byte(phone)
	for i := 2; i < len(masked)-2; i++ {
		masked[i] = '*'
	}
	return string(masked)
}

// mtClient is one live MTProto connection
type mtClient struct {
	client  *telegram.Client
	api     *tg.Client
	storage *memorySessionStorage
	limiter *rate.Limiter
	log     zerolog.Logger

	cancel  context.CancelFunc
	runDone chan struct{}

	mu     sync.Mutex
	closed bool
}

func (c *mtClient) IsAuthorized(ctx context.Context) (bool, error) {
	if c.isClosed() {
		return false, ErrClientClosed
	}
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return false, mapRPCError(err)
	}
	return status.Authorized, nil
}

func (c *mtClient) Self(ctx context.Context) (*Profile, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	self, err := c.client.Self(ctx)
	if err != nil {
		return nil, mapRPCError(err)
	}
	return &Profile{
		TelegramID: self.ID,
		Username:   self.Username,
		FirstName:  self.FirstName,
		LastName:   self.LastName,
	}, nil
}

func (c *mtClient) Do(ctx context.Context, action Action) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var err error
	switch action.Type {
	case models.TaskProfilePhoto:
		err = c.updateProfilePhoto(ctx, action.PhotoPath)
	case models.TaskBioUpdate:
		err = c.updateBio(ctx, action.Bio)
	case models.TaskUsernameUpdate:
		err = c.updateUsername(ctx, action.Username)
	case models.TaskMediaSend:
		err = c.sendMedia(ctx, action.MediaPath, action.Peers)
	case models.TaskMessageSend:
		err = c.sendMessage(ctx, action.Message, action.Peers)
	default:
		return fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, action.Type)
	}

	return mapRPCError(err)
}

// Close shuts the connection down. Idempotent.
func (c *mtClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	select {
	case <-c.runDone:
	case <-time.After(10 * time.Second):
		c.log.Warn().Msg("timed out waiting for client shutdown")
	}
	return nil
}

// SessionBytes exposes the possibly rotated session so callers can
// re-encrypt and persist it.
func (c *mtClient) SessionBytes() []byte {
	return c.storage.Bytes()
}

func (c *mtClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// authErrors are RPC codes meaning the session is dead and a human must
// re-authenticate.
var authErrors = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
}

var bannedErrors = []string{
	"USER_DEACTIVATED_BAN",
	"PHONE_NUMBER_BANNED",
}

// mapRPCError folds gotd errors into the adapter's error taxonomy
func mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &FloodWaitError{RetryAfter: wait}
	}
	if tgerr.Is(err, bannedErrors...) {
		return fmt.Errorf("%w: %v", ErrAccountDeactivated, err)
	}
	if tgerr.Is(err, authErrors...) {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	return err
}

var _ Dialer = (*MTProtoDialer)(nil)
var _ Client = (*mtClient)(nil)
