package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/beaconops/relay/internal/store"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	inProgressMarker     = "__in_progress__"
	storeTimeout         = 2 * time.Second
)

var errInProgress = fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")

type storedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

type idempotencyGuard struct {
	store  store.Store
	keys   store.Keys
	ttl    time.Duration
	logger *slog.Logger
}

// Idempotency replays the stored response for a repeated Idempotency-Key so
// a retried submission never broadcasts a second transaction. Responses are
// shared between relay instances through the store.
func Idempotency(s store.Store, keys store.Keys, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	g := &idempotencyGuard{store: s, keys: keys, ttl: ttl, logger: logger}
	return g.handle
}

func (g *idempotencyGuard) handle(c *fiber.Ctx) error {
	switch c.Method() {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
		return c.Next()
	}

	key := c.Get(idempotencyKeyHeader)
	if key == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
	}
	storeKey := g.keys.Idempotency(c.Method() + ":" + c.Path() + ":" + key)
	logger := g.logger.With(slog.String("idempotency_key", key))

	stored, found, err := g.lookup(storeKey)
	if err != nil {
		logger.Error("idempotency lookup failed", slog.Any("error", err))
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
	}
	if found {
		return replay(c, stored)
	}

	if err := g.reserve(storeKey); err != nil {
		if errors.Is(err, errInProgress) {
			return err
		}
		logger.Error("idempotency reservation failed", slog.Any("error", err))
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency reservation failure")
	}

	if err := c.Next(); err != nil {
		g.forget(storeKey)
		return err
	}

	// 5xx answers are retryable, except a confirmation timeout: that
	// transaction was broadcast and may still land.
	status := c.Response().StatusCode()
	if status >= fiber.StatusInternalServerError && status != fiber.StatusGatewayTimeout {
		g.forget(storeKey)
		return nil
	}

	if err := g.persist(storeKey, c); err != nil {
		logger.Error("failed to persist idempotent response", slog.Any("error", err))
		g.forget(storeKey)
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency persistence failure")
	}
	return nil
}

// lookup reports a zero-status record while another request holds the key.
func (g *idempotencyGuard) lookup(key string) (storedResponse, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	raw, err := g.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return storedResponse{}, false, nil
	}
	if err != nil {
		return storedResponse{}, false, err
	}
	if raw == inProgressMarker {
		return storedResponse{}, true, nil
	}

	var sr storedResponse
	if err := json.Unmarshal([]byte(raw), &sr); err != nil {
		g.logger.Warn("failed to decode stored idempotent response", slog.String("key", key), slog.Any("error", err))
		sr = storedResponse{Status: fiber.StatusConflict}
	}
	return sr, true, nil
}

func (g *idempotencyGuard) reserve(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ok, err := g.store.SetNX(ctx, key, inProgressMarker, g.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return errInProgress
	}
	return nil
}

func (g *idempotencyGuard) persist(key string, c *fiber.Ctx) error {
	sr := storedResponse{
		Status:  c.Response().StatusCode(),
		Body:    string(c.Response().Body()),
		Headers: map[string]string{},
	}
	c.Response().Header.VisitAll(func(k, v []byte) {
		if strings.EqualFold(string(k), fiber.HeaderContentLength) {
			return
		}
		sr.Headers[string(k)] = string(v)
	})
	payload, err := json.Marshal(sr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return g.store.SetTTL(ctx, key, string(payload), g.ttl)
}

func (g *idempotencyGuard) forget(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := g.store.Delete(ctx, key); err != nil {
		g.logger.Warn("failed to clear idempotency reservation", slog.String("key", key), slog.Any("error", err))
	}
}

// replay answers from a stored response. A zero status is the in-progress
// marker; an undecodable record answers 409.
func replay(c *fiber.Ctx, sr storedResponse) error {
	switch sr.Status {
	case 0:
		return errInProgress
	case fiber.StatusConflict:
		if sr.Body == "" {
			return fiber.NewError(fiber.StatusConflict, "duplicate request")
		}
	}
	for header, value := range sr.Headers {
		c.Set(header, value)
	}
	c.Set(replayedHeader, "true")
	return c.Status(sr.Status).SendString(sr.Body)
}
