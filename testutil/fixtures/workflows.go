// Package fixtures 提供工作流定义的测试样例。
//
// 依赖 workflow 包，只能在 workflow 之外的测试中使用。
package fixtures

import (
	"strconv"

	"github.com/BaSui01/loopflow/workflow"
)

// ConvergingSelfLoop 自环节点每轮输出 "final answer"，第二轮收敛
func ConvergingSelfLoop(id string) *workflow.Definition {
	return &workflow.Definition{
		ID:   id,
		Name: "converging",
		Stages: []workflow.StageDefinition{{
			ID: "draft",
			Nodes: []workflow.WorkflowNode{{
				ID:       "writer",
				Kind:     workflow.NodeKindFunction,
				Function: &workflow.FunctionConfig{Function: "constant", Args: map[string]string{"value": "final answer"}},
			}},
		}},
		Connections: []workflow.Connection{{From: "writer", To: "writer"}},
	}
}

// EndlessSelfLoop 自环节点调用 fn，迭代上限足够大，只能被外部停止
func EndlessSelfLoop(id, fn string) *workflow.Definition {
	return &workflow.Definition{
		ID:   id,
		Name: "endless",
		Stages: []workflow.StageDefinition{{
			ID: "draft",
			Nodes: []workflow.WorkflowNode{{
				ID:       "writer",
				Kind:     workflow.NodeKindFunction,
				Function: &workflow.FunctionConfig{Function: fn},
			}},
		}},
		Connections: []workflow.Connection{{From: "writer", To: "writer"}},
		Loops:       map[string]workflow.LoopConfig{"writer": {MaxIterations: 100000}},
	}
}

// Pipeline 按顺序串联给定的函数节点，节点 ID 为 step1、step2 ...
func Pipeline(id string, functions ...string) *workflow.Definition {
	def := &workflow.Definition{
		ID:     id,
		Name:   "pipeline",
		Stages: []workflow.StageDefinition{{ID: "main"}},
	}
	prev := ""
	for i, fn := range functions {
		nodeID := "step" + strconv.Itoa(i+1)
		def.Stages[0].Nodes = append(def.Stages[0].Nodes, workflow.WorkflowNode{
			ID:       nodeID,
			Kind:     workflow.NodeKindFunction,
			Function: &workflow.FunctionConfig{Function: fn},
		})
		if prev != "" {
			def.Connections = append(def.Connections, workflow.Connection{From: prev, To: nodeID})
		}
		prev = nodeID
	}
	return def
}

