package vimcord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// frameworkConfigDefaults is the lowest-precedence configuration layer,
// merged under the client's global config, the kind-level config, and
// each definition's local options.
var frameworkConfigDefaults = ConfigLayer{
	"reply_ephemeral": false,
	"locale":          "en",
}

// DeniedCallback is invoked when permission evaluation denies an
// invocation. The default implementation replies with a denial message.
type DeniedCallback func(ctx context.Context, inv *Invocation, decision Decision)

// RateLimitedCallback is invoked when the rate limiter denies an
// invocation.
type RateLimitedCallback func(ctx context.Context, inv *Invocation, rateErr *RateLimitedError)

// AfterDispatchCallback observes the terminal outcome of every
// invocation that reached step 5 (config merge) of the pipeline.
// dispatchErr is nil on success; denials and skips never reach it.
type AfterDispatchCallback func(ctx context.Context, inv *Invocation, result any, dispatchErr error)

// DispatcherOptions configures dispatch behavior not owned by
// individual definitions.
type DispatcherOptions struct {
	// Environment is matched against definitions' deployment
	// environment allow-lists
	Environment string

	// GlobalConfig is the client-wide configuration layer
	GlobalConfig ConfigLayer

	// KindConfig holds per-command-kind configuration layers
	KindConfig map[CommandKind]ConfigLayer

	// ErrorMessage is the generic user-visible failure message shown
	// when a handler error escalates to the error boundary
	ErrorMessage string

	// RateLimitMessage is shown on rate-limit denials
	RateLimitMessage string

	// AckTimeout bounds deferral acknowledgments. Discord expires
	// unacknowledged interactions after 3 seconds; this is a hard
	// deadline, not a retry target.
	AckTimeout time.Duration

	// OnDenied overrides the default permission-denial reply
	OnDenied DeniedCallback

	// OnRateLimited overrides the default rate-limit reply
	OnRateLimited RateLimitedCallback

	// AfterDispatch observes invocation outcomes
	AfterDispatch AfterDispatchCallback
}

// Dispatcher routes inbound events to matching definitions and runs
// the invocation pipeline: deployment filter, conditions, permissions,
// rate limit, config merge, deferral, hooks, execute, error boundary.
//
// Dispatch itself is synchronous; callers (the gateway handlers in
// [Vimcord]) run one goroutine per inbound event, so unrelated events
// proceed fully in parallel while the listeners for a single event run
// sequentially in priority order.
type Dispatcher struct {
	registry *Registry
	limiter  *RateLimiter
	logger   *slog.Logger
	opts     DispatcherOptions

	// client is the capability handle passed to handlers; nil in
	// isolated tests
	client *Vimcord

	metricDispatches atomic.Int64
	metricErrors     atomic.Int64
	metricDenials    atomic.Int64
	metricRateLimits atomic.Int64
}

// NewDispatcher wires a dispatcher to an explicit registry and rate
// limiter.
func NewDispatcher(
	registry *Registry,
	limiter *RateLimiter,
	logger *slog.Logger,
	opts DispatcherOptions,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ErrorMessage == "" {
		opts.ErrorMessage = DefaultErrorMessage
	}
	if opts.RateLimitMessage == "" {
		opts.RateLimitMessage = DefaultRateLimitMessage
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	return &Dispatcher{
		registry: registry,
		limiter:  limiter,
		logger:   logger.With(loggerNameKey, "dispatcher"),
		opts:     opts,
	}
}

// SetClient attaches the owning client as the capability handle for
// invocations. Called once during client construction.
func (d *Dispatcher) SetClient(client *Vimcord) {
	d.client = client
}

// Dispatch resolves the definitions matching event and runs the
// pipeline for each. Errors are captured internally - handler failures
// are resolved by OnError hooks or the global error boundary, and never
// propagate to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	dispatchID := uuid.NewString()
	logger := d.logger.With(
		"dispatch_id", dispatchID,
		slog.Group("event", "kind", string(event.Kind), "name", event.Name, "trigger", event.Trigger),
	)
	ctx = WithLogger(ctx, logger)

	switch event.Kind {
	case CommandKindEvent:
		// Once-listeners are claimed inside Listeners, before any of
		// them run, so a near-simultaneous second delivery cannot
		// resolve them again.
		listeners := d.registry.Listeners(event.Trigger)
		if len(listeners) == 0 {
			logger.Debug("no listeners for trigger", "trigger", event.Trigger)
			return
		}
		for _, def := range listeners {
			d.dispatchDefinition(ctx, dispatchID, def, event)
		}
	default:
		def, err := d.registry.Command(event.Kind, event.Name)
		if err != nil {
			logger.Debug("unmatched command", tint.Err(err))
			return
		}
		d.dispatchDefinition(ctx, dispatchID, def, event)
	}
}

// dispatchDefinition runs the full pipeline for one (definition, event)
// pair. All side effects are confined to the denial/rate-limit/deferral
// replies and whatever the handler itself performs.
func (d *Dispatcher) dispatchDefinition(
	ctx context.Context,
	dispatchID string,
	def *Definition,
	event Event,
) {
	d.metricDispatches.Add(1)

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
	}
	logger = logger.With("definition", def)
	ctx = WithLogger(ctx, logger)

	inv := &Invocation{
		DispatchID: dispatchID,
		Event:      event,
		Definition: def,
		Logger:     logger,
		Client:     d.client,
	}

	// 1. Enabled / deployment filter
	if def.Disabled {
		logger.Debug("definition disabled, skipping")
		return
	}
	if !def.Deployment.allows(d.opts.Environment, event.GuildID) {
		logger.Debug(
			"deployment constraints exclude event",
			"environment", d.opts.Environment,
			"guild_id", event.GuildID,
		)
		return
	}

	// 2. Conditions - any false skips silently
	for i, condition := range def.Conditions {
		passed, err := condition(ctx, inv)
		if err != nil {
			logger.Warn(
				"condition returned error, treating as false",
				"condition_index", i,
				tint.Err(err),
			)
			return
		}
		if !passed {
			logger.Debug("condition not met, skipping", "condition_index", i)
			return
		}
	}

	// 3. Permissions
	if decision := def.Permissions.Evaluate(event.Caller); !decision.Allowed {
		d.metricDenials.Add(1)
		logger.Info("permission denied", "decision", decision)
		d.denied(ctx, inv, decision)
		return
	}

	// 4. Rate limit
	if def.RateLimit.enabled() {
		scope := def.RateLimit.Scope
		acquireErr := d.limiter.TryAcquire(
			def.ID(),
			scope,
			event.scopeKey(scope),
			def.RateLimit,
		)
		if acquireErr != nil {
			var rateErr *RateLimitedError
			if errors.As(acquireErr, &rateErr) {
				d.metricRateLimits.Add(1)
				logger.Info("rate limited", "retry_after", rateErr.RetryAfter)
				d.rateLimited(ctx, inv, rateErr)
				return
			}
			logger.Error("rate limiter failed", tint.Err(acquireErr))
			return
		}
	}

	// 5. Effective configuration
	inv.Config = MergeConfig(
		frameworkConfigDefaults,
		d.opts.GlobalConfig,
		d.opts.KindConfig[def.Kind],
		def.Config,
	)

	// 6. Deferral - hard deadline, an expired interaction is
	// unrecoverable
	if def.DeferReply && event.Responder != nil {
		ackCtx, cancel := context.WithTimeout(ctx, d.opts.AckTimeout)
		ackErr := event.Responder.Acknowledge(ackCtx, def.Ephemeral)
		cancel()
		if ackErr != nil {
			d.metricErrors.Add(1)
			logger.Error("failed to acknowledge interaction", tint.Err(ackErr))
			d.afterDispatch(ctx, inv, nil, ackErr)
			return
		}
		inv.acknowledged = true
	}

	// 7-8. Hooks, execute, error boundary
	result, execErr := d.execute(ctx, inv)
	if execErr != nil {
		d.recoverHandlerError(ctx, inv, execErr)
		d.afterDispatch(ctx, inv, nil, execErr)
		return
	}

	if def.AfterExecute != nil {
		def.AfterExecute(ctx, inv, result)
	}
	d.afterDispatch(ctx, inv, result, nil)
}

// execute runs BeforeExecute and the routed (or direct) handler,
// converting panics into errors so a misbehaving handler can never take
// the process down.
func (d *Dispatcher) execute(
	ctx context.Context,
	inv *Invocation,
) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	def := inv.Definition

	if def.BeforeExecute != nil {
		if hookErr := def.BeforeExecute(ctx, inv); hookErr != nil {
			return nil, hookErr
		}
	}

	handler := def.Execute
	if len(def.Routes) > 0 {
		routed, routeErr := resolveRoute(def, inv.Event.SubcommandPath)
		if routeErr != nil {
			return nil, routeErr
		}
		handler = routed
	}
	return handler(ctx, inv)
}

// recoverHandlerError is the global error boundary: it gives the
// definition's OnError hook first refusal, then logs the escalated
// error with dispatch context and shows the generic failure message.
// Route resolution failures are configuration defects and always
// escalate, logged loudly enough to stand out from user-facing noise.
func (d *Dispatcher) recoverHandlerError(
	ctx context.Context,
	inv *Invocation,
	execErr error,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
	}

	var routeErr *RouteNotFoundError
	isRouteDefect := errors.As(execErr, &routeErr)

	if !isRouteDefect && inv.Definition.OnError != nil {
		if handled := inv.Definition.OnError(ctx, inv, execErr); handled == nil {
			logger.Info("handler recovered from error", tint.Err(execErr))
			return
		}
	}

	d.metricErrors.Add(1)
	boundaryErr := &HandlerError{
		DefinitionID: inv.Definition.ID(),
		UserID:       inv.Event.UserID,
		Err:          execErr,
	}

	if isRouteDefect {
		logger.Error(
			"FATAL route configuration defect: command schema and route table are out of sync",
			tint.Err(routeErr),
		)
	} else {
		logger.Error("unhandled handler error", tint.Err(boundaryErr))
	}

	if replyErr := inv.Reply(ctx, d.opts.ErrorMessage); replyErr != nil {
		logger.Error("failed to send error message", tint.Err(replyErr))
	}
}

func (d *Dispatcher) denied(ctx context.Context, inv *Invocation, decision Decision) {
	if d.opts.OnDenied != nil {
		d.opts.OnDenied(ctx, inv, decision)
		return
	}
	if replyErr := inv.Reply(ctx, denialMessage(decision)); replyErr != nil {
		inv.Logger.Error("failed to send denial message", tint.Err(replyErr))
	}
}

func (d *Dispatcher) rateLimited(
	ctx context.Context,
	inv *Invocation,
	rateErr *RateLimitedError,
) {
	if d.opts.OnRateLimited != nil {
		d.opts.OnRateLimited(ctx, inv, rateErr)
		return
	}
	msg := fmt.Sprintf(
		"%s Try again in %s.",
		d.opts.RateLimitMessage,
		rateErr.RetryAfter.Round(time.Second),
	)
	if replyErr := inv.Reply(ctx, msg); replyErr != nil {
		inv.Logger.Error("failed to send rate limit message", tint.Err(replyErr))
	}
}

func (d *Dispatcher) afterDispatch(
	ctx context.Context,
	inv *Invocation,
	result any,
	dispatchErr error,
) {
	if d.opts.AfterDispatch != nil {
		d.opts.AfterDispatch(ctx, inv, result, dispatchErr)
	}
}

// denialMessage maps a permission decision to its user-visible denial
// text.
func denialMessage(decision Decision) string {
	switch decision.Reason {
	case DenyContextMismatch:
		return "That command can't be used here."
	case DenyIdentityDenied:
		return "That command is restricted."
	case DenyBlacklisted:
		return "You're not allowed to use this command."
	case DenyNotWhitelisted:
		return "You're not on the list for this command."
	case DenyMissingRole:
		return "You're missing a role required for this command."
	case DenyMissingPermission:
		if decision.Detail != "" {
			return fmt.Sprintf("Missing permission: %s", decision.Detail)
		}
		return "Missing a required permission."
	default:
		return "You can't use this command."
	}
}

// DispatcherStats is a point-in-time snapshot of dispatch counters, as
// reported by the status API.
type DispatcherStats struct {
	Dispatches int64 `json:"dispatches"`
	Errors     int64 `json:"errors"`
	Denials    int64 `json:"denials"`
	RateLimits int64 `json:"rate_limits"`
}

// Stats returns current dispatch counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatches: d.metricDispatches.Load(),
		Errors:     d.metricErrors.Load(),
		Denials:    d.metricDenials.Load(),
		RateLimits: d.metricRateLimits.Load(),
	}
}
