package worker

import (
	"context"

	"github.com/any-hub/order-cache/internal/lifecycle"
)

// Message 只识别 SKIP_WAITING 指令，并且只在 waiting 状态下生效；其它消息一律忽略。
func (c *Controller) Message(ctx context.Context, ev lifecycle.MessageEvent) {
	directive, ok := ev.Data.(string)
	if !ok || directive != lifecycle.SkipWaitingDirective {
		c.logger.WithFields(c.fields("")).
			WithField("data_type", typeName(ev.Data)).
			Debug("message_ignored")
		return
	}
	if ev.Scope == nil {
		return
	}
	if state := ev.Scope.State(); state != lifecycle.StateWaiting {
		c.logger.WithFields(c.fields(string(state))).Debug("skip_waiting_ignored")
		return
	}
	c.logger.WithFields(c.fields(string(lifecycle.StateWaiting))).Info("skip_waiting")
	ev.Scope.SkipWaiting()
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case float64:
		return "number"
	case bool:
		return "bool"
	default:
		return "other"
	}
}
