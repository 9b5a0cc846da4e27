package api

import (
	"github.com/BaSui01/loopflow/workflow"
)

// =============================================================================
// 运行类型
// =============================================================================

// StartRunRequest 启动运行请求，workflow_id 与 definition 二选一。
// @Description 启动运行请求结构
type StartRunRequest struct {
	// 已保存的工作流 ID
	WorkflowID string `json:"workflow_id,omitempty" example:"review-loop"`
	// 内联的工作流定义
	Definition *workflow.Definition `json:"definition,omitempty"`
	// 运行的初始输入
	Input string `json:"input" example:"Write a haiku about autumn"`
	// 为 true 时阻塞到运行结束并返回完整结果
	Wait bool `json:"wait,omitempty" example:"false"`
}

// StartRunResponse 启动运行响应。
// @Description 启动运行响应结构
type StartRunResponse struct {
	// 运行 ID
	RunID string `json:"run_id" example:"6f1c2a9e-3b7d-4f0e-9a51-0c2d8e4b7a13"`
	// 工作流 ID
	WorkflowID string `json:"workflow_id" example:"review-loop"`
	// 检测到的循环区域，ID 可用于强制停止
	Loops []workflow.LoopRegion `json:"loops"`
}

// RunActionResponse 取消运行或停止循环的响应。
// @Description 运行操作响应结构
type RunActionResponse struct {
	RunID  string `json:"run_id"`
	LoopID string `json:"loop_id,omitempty"`
}
