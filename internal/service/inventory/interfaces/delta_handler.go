package interfaces

import (
	"context"
	"encoding/json"
	"fmt"

	"flashmart/internal/pkg/logger"
	"flashmart/internal/pkg/mq"
	"flashmart/internal/service/inventory/application"
	"flashmart/internal/service/inventory/domain"
)

// NewDeltaHandler 把 stock.delta 消息交给中继。
// 消息头中的重试次数为准，消息体里的 retryCount 只作参考。
func NewDeltaHandler(relay *application.Relay) mq.Handler {
	return func(ctx context.Context, msg mq.Message) error {
		var delta domain.InventoryDelta
		if err := json.Unmarshal(msg.Value, &delta); err != nil {
			return mq.Permanent(fmt.Errorf("unmarshal inventory delta: %w", err))
		}
		delta.RetryCount = msg.RetryCount()

		result, err := relay.Apply(ctx, delta)
		if err != nil {
			return err
		}
		logger.Ctx(ctx).Debug().
			Str("pool", string(delta.Pool)).
			Int64("resource_id", delta.ResourceID).
			Str("change", string(delta.ChangeType)).
			Str("correlation_id", delta.CorrelationID).
			Str("result", string(result)).
			Msg("inventory delta relayed")
		return nil
	}
}
