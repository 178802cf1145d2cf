// Package cloudcode talks to the Cloud Code API: payload wrapping,
// rate-limit interpretation, model and quota discovery, and the failover
// controller that drives requests across the account pool.
package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/vantorre/antigravity-relay/internal/account"
	"github.com/vantorre/antigravity-relay/internal/auth"
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/format"
	"github.com/vantorre/antigravity-relay/internal/logging"
	"github.com/vantorre/antigravity-relay/internal/relayerr"
	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// emptyResponseText is streamed to the client when upstream keeps answering
// with nothing and the retry budget is spent.
const emptyResponseText = "[No response after retries - please try again]"

// UsageRecorder accrues per-model and per-account counters for served
// requests. Counters accrue to the model that actually answered, which under
// fallback differs from the one the client named. A nil recorder disables
// accounting.
type UsageRecorder interface {
	Record(model, email string, usage *anthropic.Usage)
}

// Controller drives a request through the pool: pick an account, send,
// classify the answer, update state, retry, and walk the fallback chain when
// a model's whole pool is exhausted.
type Controller struct {
	log    *logging.Logger
	cfg    *config.Config
	pool   *account.Manager
	tokens auth.TokenProvider
	xlate  *format.Translator
	http   *http.Client
	limits *LimiterState
	usage  UsageRecorder

	sleepFn func(ctx context.Context, ms int64) error
}

// NewController wires the failover controller. The HTTP client tolerates
// ten-minute generations while the response-header timeout bounds how long a
// single attempt may sit without an answer.
func NewController(log *logging.Logger, cfg *config.Config, pool *account.Manager, tokens auth.TokenProvider, xlate *format.Translator, usage UsageRecorder) *Controller {
	return &Controller{
		log:    log,
		cfg:    cfg,
		pool:   pool,
		tokens: tokens,
		xlate:  xlate,
		http: &http.Client{
			Timeout: 10 * time.Minute,
			Transport: &http.Transport{
				ResponseHeaderTimeout: time.Duration(cfg.UpstreamTimeoutMs) * time.Millisecond,
			},
		},
		limits:  NewLimiterState(),
		usage:   usage,
		sleepFn: sleepCtx,
	}
}

// Limits exposes the 429 escalation state for the janitor's cleanup pass.
func (c *Controller) Limits() *LimiterState { return c.limits }

func (c *Controller) sleep(ctx context.Context, ms int64) error {
	return c.sleepFn(ctx, ms)
}

func sleepCtx(ctx context.Context, ms int64) error {
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SendMessage serves a buffered request, walking the fallback chain when a
// model's whole pool is exhausted. The response echoes the requested model
// even when a fallback served it.
func (c *Controller) SendMessage(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	chain := c.fallbackChain(req.Model)

	var lastErr error
	for i, model := range chain {
		if i > 0 {
			c.log.Warn("[CloudCode] Falling back from %s to %s", chain[i-1], model)
		}
		resp, err := c.sendOnce(ctx, req, model)
		if err == nil {
			resp.Model = req.Model
			return resp, nil
		}
		lastErr = err
		if !fallbackEligible(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// StreamMessage serves a streaming request. Events flow as they arrive; the
// fallback chain only advances while nothing has been forwarded yet, because
// a client that has seen message_start cannot accept a second beginning. A
// failure after that point surfaces on the error channel for the transport
// to turn into an error event.
func (c *Controller) StreamMessage(ctx context.Context, req *anthropic.MessagesRequest) (<-chan *anthropic.SSEEvent, <-chan error) {
	events := make(chan *anthropic.SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		chain := c.fallbackChain(req.Model)
		var lastErr error
		for i, model := range chain {
			if i > 0 {
				c.log.Warn("[CloudCode] Falling back from %s to %s (streaming)", chain[i-1], model)
			}
			forwarded, err := c.streamOnce(ctx, req, model, events)
			if err == nil {
				return
			}
			lastErr = err
			if forwarded || !fallbackEligible(err) {
				errs <- err
				return
			}
		}
		if lastErr != nil {
			errs <- lastErr
		}
	}()

	return events, errs
}

// fallbackChain lists the models to try in order: the requested model, then
// fallback edges while enabled. The wide-context suffix is stripped for
// upstream use. The seen set guards against malformed maps; startup
// validation already rejects cycles.
func (c *Controller) fallbackChain(requested string) []string {
	model, _ := config.NormalizeModelID(requested)
	chain := []string{model}
	if !c.cfg.FallbackEnabled {
		return chain
	}
	edges := c.cfg.EffectiveFallbackMap()
	seen := map[string]bool{model: true}
	for {
		next, ok := edges[model]
		if !ok || seen[next] {
			return chain
		}
		chain = append(chain, next)
		seen[next] = true
		model = next
	}
}

// fallbackEligible reports whether the next model in the chain may be tried
// after this failure. Exhaustion continues the walk; client errors, auth
// verdicts, and an empty pool stop it.
func fallbackEligible(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var na *relayerr.NoAccountsError
	if errors.As(err, &na) {
		return na.AllRateLimited
	}
	switch relayerr.KindOf(err) {
	case relayerr.KindRateLimited, relayerr.KindQuotaExhausted, relayerr.KindCapacityExhausted,
		relayerr.KindServerError, relayerr.KindServiceUnavailable, relayerr.KindNetworkError,
		relayerr.KindTimeout, relayerr.KindEmptyResponse:
		return true
	}
	return false
}

// sendOnce runs the buffered path for one target model. Thinking models go
// through the SSE endpoint even when the client wants JSON, because the
// plain endpoint drops thought parts; the stream is collected into one
// message. An empty answer is retried with exponential backoff through a
// fresh account selection, then degrades to a synthetic placeholder message.
func (c *Controller) sendOnce(ctx context.Context, req *anthropic.MessagesRequest, model string) (*anthropic.MessagesResponse, error) {
	greq := c.xlate.BuildGoogleRequest(req, model)
	requestID := uuid.New().String()
	defer c.pool.ReleaseRequest(requestID)

	sse := config.IsThinkingModel(model)

	for emptyTry := 0; ; emptyTry++ {
		conn, err := c.connect(ctx, req, greq, model, sse, requestID)
		if err != nil {
			return nil, err
		}

		var resp *anthropic.MessagesResponse
		if sse {
			resp, err = c.xlate.CollectResponse(conn.resp.Body, model)
		} else {
			var raw []byte
			raw, err = io.ReadAll(conn.resp.Body)
			if err == nil {
				var gresp *format.GoogleResponse
				gresp, err = format.DecodeGoogleResponse(raw)
				if err == nil {
					resp = c.xlate.ConvertGoogleResponse(gresp, model)
				}
			}
		}
		conn.resp.Body.Close()

		if err != nil {
			var empty *relayerr.EmptyResponseError
			if errors.As(err, &empty) {
				if emptyTry >= config.MaxEmptyRetries {
					c.log.Error("[CloudCode] Empty response after %d retries", config.MaxEmptyRetries)
					return anthropic.NewMessagesResponse(req.Model,
						[]anthropic.ContentBlock{{Type: "text", Text: emptyResponseText}},
						"end_turn", &anthropic.Usage{}), nil
				}
				backoffMs := int64(500 << emptyTry)
				c.log.Warn("[CloudCode] Empty response from %s, retry %d/%d after %dms...",
					conn.email, emptyTry+1, config.MaxEmptyRetries, backoffMs)
				if serr := c.sleep(ctx, backoffMs); serr != nil {
					return nil, serr
				}
				continue
			}
			c.pool.RecordFailure(conn.email, model, relayerr.KindOf(err))
			return nil, err
		}

		c.limits.Clear(conn.email, model)
		c.pool.RecordSuccess(conn.email, model, time.Since(conn.started).Milliseconds())
		if c.usage != nil && resp.Usage != nil {
			c.usage.Record(model, conn.email, resp.Usage)
		}
		return resp, nil
	}
}

// streamOnce runs the streaming path for one target model, forwarding events
// to out as they arrive. It reports whether anything was forwarded so the
// caller knows if fallback is still possible.
func (c *Controller) streamOnce(ctx context.Context, req *anthropic.MessagesRequest, model string, out chan<- *anthropic.SSEEvent) (bool, error) {
	greq := c.xlate.BuildGoogleRequest(req, model)
	requestID := uuid.New().String()
	defer c.pool.ReleaseRequest(requestID)

	forwarded := false
	for emptyTry := 0; ; emptyTry++ {
		conn, err := c.connect(ctx, req, greq, model, true, requestID)
		if err != nil {
			return forwarded, err
		}

		events, errs := c.xlate.StreamResponse(conn.resp.Body, model)
		var usage anthropic.Usage
		for ev := range events {
			switch ev.Type {
			case anthropic.SSEEventMessageStart:
				if ev.Message != nil {
					// Public echo of the requested model; translation and
					// caching already ran against the served one.
					ev.Message.Model = req.Model
					if ev.Message.Usage != nil {
						usage = *ev.Message.Usage
					}
				}
			case anthropic.SSEEventMessageDelta:
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			}
			select {
			case out <- ev:
				forwarded = true
			case <-ctx.Done():
				conn.resp.Body.Close()
				return forwarded, ctx.Err()
			}
		}
		err = <-errs
		conn.resp.Body.Close()

		if err != nil {
			var empty *relayerr.EmptyResponseError
			if errors.As(err, &empty) && !forwarded {
				if emptyTry >= config.MaxEmptyRetries {
					c.log.Error("[CloudCode] Empty response after %d retries", config.MaxEmptyRetries)
					c.emitEmptyFallback(ctx, out, req.Model)
					return true, nil
				}
				backoffMs := int64(500 << emptyTry)
				c.log.Warn("[CloudCode] Empty response from %s, retry %d/%d after %dms...",
					conn.email, emptyTry+1, config.MaxEmptyRetries, backoffMs)
				if serr := c.sleep(ctx, backoffMs); serr != nil {
					return forwarded, serr
				}
				continue
			}
			c.pool.RecordFailure(conn.email, model, relayerr.KindOf(err))
			return forwarded, err
		}

		c.limits.Clear(conn.email, model)
		c.pool.RecordSuccess(conn.email, model, time.Since(conn.started).Milliseconds())
		if c.usage != nil {
			c.usage.Record(model, conn.email, &usage)
		}
		c.log.Debug("[CloudCode] Stream completed for %s via %s", model, conn.email)
		return true, nil
	}
}

// emitEmptyFallback streams a minimal well-formed message carrying the
// placeholder text, so clients see a complete turn instead of a broken
// stream.
func (c *Controller) emitEmptyFallback(ctx context.Context, out chan<- *anthropic.SSEEvent, model string) {
	zero := 0
	seq := []*anthropic.SSEEvent{
		{Type: anthropic.SSEEventMessageStart, Message: &anthropic.MessagesResponse{
			ID:      anthropic.GenerateMessageID(),
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   model,
			Usage:   &anthropic.Usage{},
		}},
		{Type: anthropic.SSEEventContentBlockStart, Index: &zero, ContentBlock: &anthropic.ContentBlock{Type: "text", Text: ""}},
		{Type: anthropic.SSEEventContentBlockDelta, Index: &zero, Delta: &anthropic.ContentDelta{Type: anthropic.DeltaTypeText, Text: emptyResponseText}},
		{Type: anthropic.SSEEventContentBlockStop, Index: &zero},
		{Type: anthropic.SSEEventMessageDelta, Delta: &anthropic.ContentDelta{StopReason: "end_turn"}, Usage: &anthropic.DeltaUsage{}},
		{Type: anthropic.SSEEventMessageStop},
	}
	for _, ev := range seq {
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// upstreamConn is an established 200 response whose body the caller owns.
type upstreamConn struct {
	resp    *http.Response
	email   string
	started time.Time
}

// connect obtains an established upstream response for one target model:
// account selection, cooperative waits, token resolution, endpoint fallback,
// and error classification. It returns only with a 200 response or the
// terminal error for this model.
func (c *Controller) connect(ctx context.Context, req *anthropic.MessagesRequest, greq *format.GoogleRequest, model string, sse bool, requestID string) (*upstreamConn, error) {
	maxAttempts := max(c.cfg.MaxRetries, c.pool.Count()+1)
	refreshed := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sel, err := c.pool.Select(model, requestID)
		if err != nil {
			var na *relayerr.NoAccountsError
			if errors.As(err, &na) && na.AllRateLimited {
				if na.SoonestResetMs > c.cfg.MaxWaitBeforeErrorMs {
					return nil, err
				}
				c.log.Warn("[CloudCode] All %d account(s) rate-limited for %s, waiting %s...",
					c.pool.Count(), model, formatMs(na.SoonestResetMs))
				if serr := c.sleep(ctx, na.SoonestResetMs+500); serr != nil {
					return nil, serr
				}
				c.pool.ClearExpired()
				// Waiting out a rate limit is not a failed attempt.
				attempt--
				continue
			}
			return nil, err
		}

		if sel.Account == nil {
			c.log.Info("[CloudCode] Waiting %s for account...", formatMs(sel.WaitMs))
			if serr := c.sleep(ctx, sel.WaitMs+500); serr != nil {
				return nil, serr
			}
			attempt--
			continue
		}
		if sel.WaitMs > 0 {
			c.log.Debug("[CloudCode] Throttling %dms before using %s", sel.WaitMs, sel.Account.Email)
			if serr := c.sleep(ctx, sel.WaitMs); serr != nil {
				return nil, serr
			}
		}

		acc := sel.Account
		token, err := c.tokens.AccessToken(ctx, acc)
		if err != nil {
			c.log.Warn("[CloudCode] Failed to get token for %s: %v", acc.Email, err)
			if relayerr.IsAuthFailure(err) {
				c.pool.MarkInvalid(acc.Email, "Token refresh failed: "+snippet(err.Error(), 120), "")
			}
			lastErr = err
			continue
		}

		payload, err := json.Marshal(BuildPayload(greq, req, c.projectFor(acc), model))
		if err != nil {
			return nil, err
		}

		c.log.Debug("[CloudCode] req %.8s attempt %d/%d for %s via %s", requestID, attempt+1, maxAttempts, model, acc.Email)

		conn, retryable, aerr := c.tryEndpoints(ctx, acc, token, model, payload, sse, refreshed)
		if conn != nil {
			return conn, nil
		}
		if !retryable {
			return nil, aerr
		}
		lastErr = aerr

		kind := relayerr.KindOf(aerr)
		switch kind {
		case relayerr.KindRateLimited, relayerr.KindQuotaExhausted,
			relayerr.KindAuth, relayerr.KindValidationRequired:
			// Account state was already recorded where the error was made.
		case relayerr.KindNetworkError, relayerr.KindTimeout:
			c.pool.RecordFailure(acc.Email, model, kind)
			if serr := c.sleep(ctx, 1000); serr != nil {
				return nil, serr
			}
		default:
			c.pool.RecordFailure(acc.Email, model, kind)
		}
		c.log.Info("[CloudCode] Account %s failed for %s (%s), trying next...", acc.Email, model, kind)
	}

	if lastErr != nil {
		return nil, &relayerr.MaxRetriesError{
			Message:  fmt.Sprintf("Max retries exceeded after %d attempts: %v", maxAttempts, lastErr),
			Attempts: maxAttempts,
		}
	}
	return nil, &relayerr.MaxRetriesError{Attempts: maxAttempts}
}

// tryEndpoints posts the payload to each endpoint in order. Endpoint
// fallback exists for network failures only: once any HTTP status arrives
// the service has answered and switching endpoints will not change the
// verdict, so the status is classified here. The bool result tells the
// caller whether another account is worth trying.
func (c *Controller) tryEndpoints(ctx context.Context, acc *account.Account, token, model string, payload []byte, sse bool, refreshed map[string]bool) (*upstreamConn, bool, error) {
	path, accept := "/v1internal:generateContent", "application/json"
	if sse {
		path, accept = "/v1internal:streamGenerateContent?alt=sse", "text/event-stream"
	}

	var lastErr error
	capacityRetries := 0

	for i := 0; i < len(config.EndpointFallbacks); i++ {
		endpoint := config.EndpointFallbacks[i]

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return nil, false, err
		}
		for k, v := range buildHeaders(token, model, accept) {
			httpReq.Header.Set(k, v)
		}

		started := time.Now()
		resp, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			c.log.Warn("[CloudCode] Network error at %s: %v", endpoint, err)
			lastErr = relayerr.Wrap(classifyTransportError(err), err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return &upstreamConn{resp: resp, email: acc.Email, started: started}, false, nil
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		errorText := string(raw)
		c.log.Warn("[CloudCode] Error at %s: %d - %.200s", endpoint, resp.StatusCode, errorText)

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			if IsPermanentAuthFailure(errorText) {
				c.log.Error("[CloudCode] Permanent auth failure for %s: %.100s", acc.Email, errorText)
				c.pool.MarkInvalid(acc.Email, "Token revoked - re-authentication required", "")
				return nil, true, relayerr.NewAuthError("Token revoked for "+acc.Email, acc.Email, "token_revoked")
			}
			if !refreshed[acc.Email] {
				refreshed[acc.Email] = true
				c.tokens.Invalidate(acc.Email)
				if fresh, terr := c.tokens.AccessToken(ctx, acc); terr == nil {
					c.log.Info("[CloudCode] Retrying %s with a refreshed token", acc.Email)
					token = fresh
					i--
					continue
				}
			}
			c.pool.MarkInvalid(acc.Email, "Authentication failed after token refresh", "")
			return nil, true, relayerr.NewAuthError("Auth error: "+snippet(errorText, 120), acc.Email, "auth_failed")

		case http.StatusForbidden:
			if url := findVerifyURL(errorText); url != "" {
				c.pool.MarkInvalid(acc.Email, "Account verification required", url)
				return nil, true, &relayerr.ValidationRequiredError{
					Message:      "Account verification required for " + acc.Email,
					AccountEmail: acc.Email,
					VerifyURL:    url,
				}
			}
			return nil, true, &relayerr.UpstreamError{
				Kind:       relayerr.KindPermissionDenied,
				StatusCode: resp.StatusCode,
				Message:    "Permission denied: " + upstreamMessage(errorText),
				Body:       errorText,
			}

		case http.StatusTooManyRequests:
			retrySame, rlErr := c.handle429(ctx, acc, model, resp.Header, errorText, &capacityRetries)
			if retrySame {
				i--
				continue
			}
			if ctx.Err() != nil {
				return nil, false, rlErr
			}
			return nil, true, rlErr

		case http.StatusBadRequest:
			c.log.Error("[CloudCode] Invalid request (400): %.200s", errorText)
			return nil, false, &relayerr.UpstreamError{
				Kind:       relayerr.KindInvalidRequest,
				StatusCode: resp.StatusCode,
				Message:    upstreamMessage(errorText),
				Body:       errorText,
			}

		case http.StatusServiceUnavailable, 529:
			if IsCapacityExhausted(errorText) && capacityRetries < config.MaxCapacityRetries {
				tier := min(capacityRetries, len(config.CapacityBackoffTiersMs)-1)
				waitMs := config.CapacityBackoffTiersMs[tier]
				capacityRetries++
				c.log.Info("[CloudCode] %d model capacity exhausted, retry %d/%d after %s...",
					resp.StatusCode, capacityRetries, config.MaxCapacityRetries, formatMs(waitMs))
				if serr := c.sleep(ctx, waitMs); serr != nil {
					return nil, false, serr
				}
				i--
				continue
			}
			fallthrough

		default:
			lastErr = &relayerr.UpstreamError{
				Kind:       kindForStatus(resp.StatusCode),
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("API error %d: %s", resp.StatusCode, upstreamMessage(errorText)),
				Body:       errorText,
			}
			if resp.StatusCode >= 500 {
				c.log.Warn("[CloudCode] %d error, waiting 1s before next attempt...", resp.StatusCode)
				if serr := c.sleep(ctx, 1000); serr != nil {
					return nil, false, serr
				}
			}
			return nil, true, lastErr
		}
	}

	if lastErr == nil {
		lastErr = relayerr.New(relayerr.KindNetworkError, "all endpoints unreachable")
	}
	return nil, true, lastErr
}

// handle429 applies the rate-limit protocol for one 429 answer. A true
// result means the same endpoint should be retried; any waiting has already
// happened. Otherwise the typed error describes the limit and the caller
// moves to the next account.
//
// Capacity exhaustion is the model being busy rather than this account being
// spent, so it retries in place on the jittered ladder before giving up on
// the account. Short resets sleep through. The dedup window collapses
// parallel hits of the same limit into one verdict.
func (c *Controller) handle429(ctx context.Context, acc *account.Account, model string, headers http.Header, errorText string, capacityRetries *int) (bool, error) {
	resetMs := ParseResetTime(headers, errorText)

	if IsCapacityExhausted(errorText) {
		if *capacityRetries < config.MaxCapacityRetries {
			tier := min(*capacityRetries, len(config.CapacityBackoffTiersMs)-1)
			waitMs := resetMs
			if waitMs <= 0 {
				waitMs = config.CapacityBackoffTiersMs[tier]
			}
			*capacityRetries++
			c.log.Info("[CloudCode] Model capacity exhausted, retry %d/%d after %s...",
				*capacityRetries, config.MaxCapacityRetries, formatMs(waitMs))
			if err := c.sleep(ctx, waitMs); err != nil {
				return false, err
			}
			return true, nil
		}
		c.log.Warn("[CloudCode] Max capacity retries (%d) exceeded, switching account", config.MaxCapacityRetries)
	}

	backoff := c.limits.Backoff(acc.Email, model, resetMs)

	if resetMs > 0 && resetMs < 1000 {
		c.log.Info("[CloudCode] Short rate limit on %s (%dms), waiting and retrying...", acc.Email, resetMs)
		if err := c.sleep(ctx, resetMs); err != nil {
			return false, err
		}
		return true, nil
	}

	reason := ParseRateLimitReason(errorText, http.StatusTooManyRequests)
	smartMs := SmartBackoff(errorText, resetMs, 0)

	if backoff.Duplicate {
		c.log.Info("[CloudCode] Recent rate limit on %s (attempt %d), switching account...",
			acc.Email, backoff.Attempt)
		c.pool.MarkRateLimited(acc.Email, model, smartMs, string(reason))
		return false, &relayerr.RateLimitError{
			Kind:         relayerr.KindRateLimited,
			Message:      "Rate limited: " + upstreamMessage(errorText),
			ResetMs:      smartMs,
			AccountEmail: acc.Email,
			Reason:       string(reason),
		}
	}

	if backoff.Attempt == 1 && smartMs <= c.cfg.DefaultCooldownMs {
		c.pool.MarkRateLimited(acc.Email, model, backoff.DelayMs, string(reason))
		c.log.Info("[CloudCode] First rate limit on %s, quick retry after %s...",
			acc.Email, formatMs(backoff.DelayMs))
		if err := c.sleep(ctx, backoff.DelayMs); err != nil {
			return false, err
		}
		return true, nil
	}

	if smartMs > c.cfg.DefaultCooldownMs {
		c.log.Info("[CloudCode] Quota exhausted for %s (%s), switching account after %s delay...",
			acc.Email, formatMs(smartMs), formatMs(c.cfg.SwitchAccountDelayMs))
		if err := c.sleep(ctx, c.cfg.SwitchAccountDelayMs); err != nil {
			return false, err
		}
		c.pool.MarkRateLimited(acc.Email, model, smartMs, string(reason))
		kind := relayerr.KindRateLimited
		if reason == ReasonQuotaExhausted {
			kind = relayerr.KindQuotaExhausted
		}
		return false, &relayerr.RateLimitError{
			Kind:         kind,
			Message:      "Quota exhausted: " + upstreamMessage(errorText),
			ResetMs:      smartMs,
			AccountEmail: acc.Email,
			Reason:       string(reason),
		}
	}

	c.pool.MarkRateLimited(acc.Email, model, backoff.DelayMs, string(reason))
	c.log.Info("[CloudCode] Rate limit on %s (attempt %d), waiting %s...",
		acc.Email, backoff.Attempt, formatMs(backoff.DelayMs))
	if err := c.sleep(ctx, backoff.DelayMs); err != nil {
		return false, err
	}
	return true, nil
}

func classifyTransportError(err error) relayerr.Kind {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return relayerr.KindTimeout
	}
	return relayerr.KindNetworkError
}

func kindForStatus(status int) relayerr.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return relayerr.KindRateLimited
	case status == http.StatusUnauthorized:
		return relayerr.KindAuth
	case status == http.StatusForbidden:
		return relayerr.KindPermissionDenied
	case status == http.StatusBadRequest:
		return relayerr.KindInvalidRequest
	case status == http.StatusServiceUnavailable:
		return relayerr.KindServiceUnavailable
	case status == 529:
		return relayerr.KindCapacityExhausted
	case status >= 500:
		return relayerr.KindServerError
	default:
		return relayerr.KindUnknown
	}
}

// upstreamMessage pulls the human-readable message out of a Google error
// body, falling back to a raw snippet.
func upstreamMessage(body string) string {
	if msg := gjson.Get(body, "error.message").String(); msg != "" {
		return msg
	}
	return snippet(body, 200)
}

var verifyURLRe = regexp.MustCompile(`https://[^\s"\\]+`)

// findVerifyURL pulls the verification link out of a 403 body, when present.
func findVerifyURL(body string) string {
	lower := strings.ToLower(body)
	if !strings.Contains(lower, "verify") && !strings.Contains(lower, "validation") {
		return ""
	}
	return verifyURLRe.FindString(body)
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}
