package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/loopflow/workflow"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// eventWriteTimeout 单条事件写入 WebSocket 的超时，慢客户端超时后断开
const eventWriteTimeout = 10 * time.Second

// HandleEvents 处理 GET /api/v1/runs/{id}/events，把运行事件以 JSON 文本帧推送给客户端。
// 首帧是当前运行快照，运行结束后以正常关闭码断开。
func (h *RunHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	// 先订阅再取快照，快照之后的事件不会遗漏
	events, unsubscribe, err := h.runs.Subscribe(runID, 0)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	defer unsubscribe()

	current, err := h.runs.Get(runID)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Warn("websocket accept failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端只读；CloseRead 处理控制帧并在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())

	snapshot := current.RunSnapshot
	if err := writeEvent(ctx, conn, workflow.Event{
		Kind:  workflow.EventRun,
		RunID: runID,
		Time:  time.Now(),
		Run:   &snapshot,
	}); err != nil {
		h.logger.Debug("event stream closed", zap.String("run_id", runID), zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "stream closed")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("event stream write failed", zap.String("run_id", runID), zap.Error(err))
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev workflow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
