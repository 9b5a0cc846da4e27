// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 LoopFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

testutil 与 testutil/mocks 不依赖 workflow 包，workflow 自身的
包内测试也可以使用；testutil/fixtures 依赖 workflow，只用于外部包。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertJSONEqual
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待条件满足
  - 通道与等待: WaitFor / WaitForChannel / CollectChannel
  - 数据工具: MustJSON / MustParseJSON / WriteFile

# 子包

  - testutil/mocks: Invoker，脚本化的远程 Agent 调用模拟，
    支持按序输出、错误注入、延迟与调用记录
  - testutil/fixtures: 工作流定义样例，包括收敛自环、
    无限自环与线性流水线

# 使用示例

	ctx := testutil.TestContext(t)
	inv := mocks.NewInvoker().WithOutputs("draft", "final")
	res := inv.Invoke(ctx, invoker.Request{SystemPrompt: "s", UserPrompt: "u"})
*/
package testutil
