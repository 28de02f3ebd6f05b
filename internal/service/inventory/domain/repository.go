package domain

import "context"

// StockRepository 库存持久层。
type StockRepository interface {
	FindProduct(ctx context.Context, id int64) (*Product, error)
	Snapshot(ctx context.Context, pool Pool, id int64) (Snapshot, error)
	// ReduceStock / RestoreStock 仅在 version 匹配且结果不越界时更新，返回受影响行数
	ReduceStock(ctx context.Context, pool Pool, id int64, qty int, expectedVersion int64) (int64, error)
	RestoreStock(ctx context.Context, pool Pool, id int64, qty int, expectedVersion int64) (int64, error)
	LogExists(ctx context.Context, key LogKey) (bool, error)
	AppendLog(ctx context.Context, log *InventoryLog) error
	ListResources(ctx context.Context) ([]ResourceRef, error)
	// Transaction 在同一个事务内执行 fn，fn 返回 error 时回滚
	Transaction(ctx context.Context, fn func(repo StockRepository) error) error
}
