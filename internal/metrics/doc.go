// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的 LoopFlow 指标采集，覆盖
HTTP、Agent 调用、工作流执行与数据库四个维度。

# 概述

Collector 通过 promauto 注册全部指标，可指定独立 Registry 便于测试。
它实现 workflow.Metrics，由运行管理器与协调器直接调用；
InstrumentInvoker 以装饰器方式包裹 invoker.Invoker 记录外部调用。

# 主要能力

  - HTTP 指标：请求总数、耗时、响应体大小，状态码归类为 2xx/4xx/5xx。
  - Agent 指标：调用次数（按 status/code）、调用耗时、重试次数。
  - 节点指标：按节点类型统计执行次数与耗时。
  - 循环指标：每个 stage 的迭代次数、按终止原因统计的终止次数、
    每个循环的总迭代数分布。
  - 运行指标：运行总数、运行耗时、活跃运行数、丢弃的事件数。
  - 数据库指标：打开/空闲连接数 Gauge，由 database.PoolManager 健康检查上报。
*/
package metrics
