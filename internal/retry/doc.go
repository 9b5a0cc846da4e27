// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package retry 提供带指数退避与随机抖动的通用重试器。

重试器本身不理解业务错误，是否重试由 Policy.ShouldRetry 决定；
未设置时回退到 types.IsRetryable，即只重试标记为 Retryable 的结构化错误。
*/
package retry
