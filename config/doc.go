// Package config 提供 LoopFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 LOOPFLOW）的顺序叠加，
// 覆盖 HTTP 服务、循环执行引擎、远程 Agent 服务、Redis 归档、
// 数据库、日志与遥测。
package config
