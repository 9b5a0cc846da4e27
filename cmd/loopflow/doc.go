// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 LoopFlow 服务端与命令行入口。

# 概述

cmd/loopflow 是循环工作流执行引擎的可执行入口，提供 HTTP API 服务、
单次本地执行、定义校验、健康检查和版本查询等子命令。程序支持 YAML
配置文件加载、结构化日志（zap）、Prometheus 指标与 OpenTelemetry 追踪。

# 核心类型

  - Server：主服务器，装配存储、引擎与 API/Metrics 双端口并负责优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、run（执行一次并输出结果 JSON）、validate（列出循环区域）、version、health
  - 存储装配：database.enabled 时使用 GORM 存储定义与运行记录，redis.enabled 时
    循环快照归档到 Redis 并缓存定义，否则使用内存实现
  - Agent 调用链：HTTP → 指标 → 熔断 → 重试
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、RequestLogger、
    CORS、RateLimiter（基于 IP）、MetricsMiddleware（按路由模式统计）
  - 优雅关闭：信号监听 → 关闭 API → 停止限流清理 → 关闭 Metrics → 停止运行 →
    关闭数据库与 Redis → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
