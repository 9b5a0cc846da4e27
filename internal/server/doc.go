// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 LoopFlow API 服务与指标服务的 HTTP 生命周期管理，
支持非阻塞启动、优雅关闭、关闭钩子与系统信号监听。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/Shutdown/WaitForShutdown/OnShutdown 等方法。
  - Config：监听地址、读写超时、空闲超时与优雅关闭超时，
    可由 config.ServerConfig 通过 ConfigFrom 派生。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务，Addr 返回实际绑定地址。
  - 优雅关闭：Shutdown 先取消请求基础上下文，结束运行事件的 WebSocket 流，
    再在超时内排空普通请求，最后逆序执行关闭钩子（运行管理器、数据库、
    Redis、遥测）。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM 或 ctx 取消。
*/
package server
