// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理 LoopFlow 共享的 Redis 连接，并提供带键前缀的 JSON 缓存。

# 核心类型

  - Manager：持有 go-redis 客户端，负责连接、健康检查与关闭。
    Client() 暴露底层客户端给 persistence.RedisLoopArchive，
    GetJSON/SetJSON/Delete 供 persistence.CachedDefinitionStore 缓存工作流定义。
  - Config：地址、密码、连接池、默认 TTL、键前缀与健康检查间隔，
    可由 config.RedisConfig 通过 ConfigFrom 派生。

# 错误语义

  - ErrCacheMiss：键不存在，IsCacheMiss 用于判断。
  - ErrClosed：Close 之后的所有操作都返回它。
*/
package cache
