// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供带循环的工作流执行引擎。

# 概述

工作流由按顺序执行的 Stage 组成，每个 Stage 包含若干节点（agent、function、
tool 三种类型），节点之间通过 Connection 连接，允许出现环。引擎在运行开始时
用 Tarjan 算法求强连通分量：单节点分量按拓扑波次执行，环路分量交给
LoopController 反复迭代，直到收敛、达到最大迭代次数、超时或被外部强制停止。

# 核心类型

  - Definition：可序列化的工作流定义（JSON / YAML）
  - Graph：运行期图结构（邻接表 + 节点运行状态）
  - LoopRegion：强连通分量构成的循环区域（入口、终端节点、体内拓扑序）
  - LoopMetadata：单个循环的运行状态（迭代次数、历史、状态、停止原因）
  - ConvergenceDetector：基于归一化编辑距离的收敛 / 振荡检测
  - BreakEvaluator：按优先级判定循环是否停止
  - LoopController：单个循环的状态机
  - Coordinator：单次运行的协调器（Stage 顺序、波次并发、失败策略）
  - RunManager：异步运行管理（启动、查询、强制停止、订阅事件）
  - EventBus：非阻塞事件总线（日志、节点、循环、运行事件）

# 节点执行

节点类型通过 NodeExecutor 分派：agent 节点调用 invoker.Invoker，function
节点调用 FunctionRegistry 中的内置函数，tool 节点调用 ToolRegistry。
提示词模板中的 {input} 替换为节点输入，{prompt} 替换为运行的全局输入。
*/
package workflow
