// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 LoopFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现运行管理、工作流定义管理、事件流与健康检查端点，
所有 Handler 均遵循标准 net/http 接口，通过 Register 挂载到
Go 1.22 风格的 http.ServeMux 路由上。

# 核心类型

  - RunHandler：启动、查询、取消运行，强制停止循环，WebSocket 事件流
  - WorkflowHandler：工作流定义的保存（JSON/YAML）、查询与删除
  - HealthHandler：服务健康检查（/health, /ready, /version）
  - RunService：运行管理接口，由 workflow.RunManager 实现
  - Response：统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter：包装 http.ResponseWriter 以捕获状态码，可被劫持

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteErr 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码映射，存储层 ErrNotFound/ErrInvalidInput 映射为 404/400
  - 历史回退：内存中已清理的运行从 RunRecordStore 与 LoopArchive 读取
  - 事件流：首帧为当前运行快照，运行结束后以 1000 关闭码断开
*/
package handlers
