package datastore

import (
	"context"
	"fmt"

	"github.com/nhirsama/oslp-adapter/src/inter"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open 按驱动名创建设备存储
func Open(ctx context.Context, driver, dsn string) (inter.DeviceStore, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSqlStore(dsn)
	case DriverPostgres:
		return NewPgStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", driver)
	}
}

// 可空整数列与 *int 之间的转换

func intPtrValue(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func pageOffset(page, size int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * size
}
