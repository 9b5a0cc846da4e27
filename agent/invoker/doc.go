// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package invoker runs a single agent node against the remote agent execution service.

# Overview

An Invoker performs exactly one remote call per Invoke and reports the outcome as an
ExecutionResult instead of an error: failures are data, classified as retryable
(network failure, 5xx, 429) or fatal (configuration problems, other 4xx, malformed
bodies). The HTTPInvoker never retries.

# Decorators

  - RetryingInvoker: bounded retries with exponential backoff, only for retryable results
  - BreakerInvoker: circuit breaker (closed / open / half-open) in front of the endpoint

Typical composition:

	var inv invoker.Invoker = invoker.NewHTTPInvoker(cfg, logger)
	inv = invoker.NewBreakerInvoker(inv, invoker.DefaultBreakerConfig(), logger)
	inv = invoker.NewRetryingInvoker(inv, retry.DefaultPolicy(), logger)
*/
package invoker
