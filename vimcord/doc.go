// Package vimcord implements a Discord bot framework built around a
// command and event dispatch core, backed by a transactional schema
// store.
//
// Handlers are described declaratively as [Definition] values - slash,
// prefix, user and message commands, plus gateway event listeners -
// and registered with a [Registry]. Inbound gateway traffic is decoded
// into [Event] values and run through the [Dispatcher] pipeline:
// deployment filtering, conditions, ordered permission evaluation
// ([PermissionSpec]), fixed-window rate limiting ([RateLimiter]),
// layered configuration merging ([MergeConfig]), deferral, hooks, and
// a global error boundary that keeps handler failures from ever
// crashing the process.
//
// Persistence goes through typed schema stores ([Store]) over GORM,
// with declarative unique constraints surfacing as
// [ConstraintViolationError], context-carried transactions
// ([UseTransaction]), and an aggregation pipeline. Reusable behavior
// (guild settings, karma transfers, usage counters) is layered on as
// free functions in extensions.go.
//
// The [Vimcord] client ties it together: gateway session management,
// slash command registration, graceful shutdown, and an optional
// read-only status API.
package vimcord
