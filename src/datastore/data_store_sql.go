package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nhirsama/oslp-adapter/src/inter"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS devices (
   device_uid            TEXT PRIMARY KEY,
   device_identification TEXT UNIQUE NOT NULL,
   ip_address            TEXT NOT NULL DEFAULT '',
   device_type           TEXT NOT NULL DEFAULT '',
   has_schedule          BOOLEAN NOT NULL DEFAULT FALSE,
   public_key            BLOB,
   sequence_number       INTEGER,
   random_device         INTEGER,
   random_platform       INTEGER,
   created_at            DATETIME,
   updated_at            DATETIME
);
CREATE INDEX IF NOT EXISTS idx_devices_identification ON devices (device_identification);
`

const sqliteColumns = `device_uid, device_identification, ip_address, device_type, has_schedule,
	public_key, sequence_number, random_device, random_platform, created_at, updated_at`

// SqlStore 基于 SQLite 的设备存储
type SqlStore struct {
	db    *sql.DB
	locks sync.Map // 每个设备 UID 一把互斥锁，串行化原子更新
}

func NewSqlStore(dbPath string) (*SqlStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite 写入是库级别的，单连接避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SqlStore{db: db}, nil
}

// getLock 获取或创建特定 UID 的互斥锁
func (s *SqlStore) getLock(uid string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(uid, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSqliteDevice(row rowScanner) (inter.Device, error) {
	var (
		d                  inter.Device
		seq, rdev, rplat   sql.NullInt64
		createdAt, updated sql.NullTime
	)
	err := row.Scan(
		&d.DeviceUID, &d.DeviceIdentification, &d.IPAddress, &d.DeviceType, &d.HasSchedule,
		&d.PublicKey, &seq, &rdev, &rplat, &createdAt, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return d, inter.ErrDeviceNotFound
	}
	if err != nil {
		return d, err
	}
	d.SequenceNumber = nullIntPtr(seq)
	d.RandomDevice = nullIntPtr(rdev)
	d.RandomPlatform = nullIntPtr(rplat)
	d.CreatedAt = createdAt.Time
	d.UpdatedAt = updated.Time
	return d, nil
}

func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func (s *SqlStore) GetDeviceByUID(ctx context.Context, uid string) (inter.Device, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteColumns+" FROM devices WHERE device_uid = ?", uid)
	return scanSqliteDevice(row)
}

func (s *SqlStore) GetDeviceByIdentification(ctx context.Context, identification string) (inter.Device, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteColumns+" FROM devices WHERE device_identification = ?", identification)
	return scanSqliteDevice(row)
}

// CreateDevice 将结构体字段拆解为 SQL 参数插入
func (s *SqlStore) CreateDevice(ctx context.Context, d inter.Device) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DeviceUID, d.DeviceIdentification, d.IPAddress, d.DeviceType, d.HasSchedule,
		d.PublicKey, intPtrValue(d.SequenceNumber), intPtrValue(d.RandomDevice), intPtrValue(d.RandomPlatform),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("插入设备 %s 失败: %w", d.DeviceIdentification, err)
	}
	return nil
}

func (s *SqlStore) UpdateDevice(ctx context.Context, d inter.Device) error {
	lock := s.getLock(d.DeviceUID)
	lock.Lock()
	defer lock.Unlock()
	return s.update(ctx, s.db, d)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SqlStore) update(ctx context.Context, db sqlExecer, d inter.Device) error {
	res, err := db.ExecContext(ctx, `
		UPDATE devices SET
			device_identification=?, ip_address=?, device_type=?, has_schedule=?, public_key=?,
			sequence_number=?, random_device=?, random_platform=?, updated_at=?
		WHERE device_uid=?`,
		d.DeviceIdentification, d.IPAddress, d.DeviceType, d.HasSchedule, d.PublicKey,
		intPtrValue(d.SequenceNumber), intPtrValue(d.RandomDevice), intPtrValue(d.RandomPlatform),
		time.Now().UTC(), d.DeviceUID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return inter.ErrDeviceNotFound
	}
	return nil
}

// UpdateDeviceAtomic 设备锁 + 事务内完成读-改-写
func (s *SqlStore) UpdateDeviceAtomic(ctx context.Context, uid string, fn inter.DeviceUpdateFunc) error {
	lock := s.getLock(uid)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // 如果中间出错则回滚

	row := tx.QueryRowContext(ctx, "SELECT "+sqliteColumns+" FROM devices WHERE device_uid = ?", uid)
	d, err := scanSqliteDevice(row)
	if err != nil {
		return err
	}

	if err := fn(&d); err != nil {
		return err
	}
	d.DeviceUID = uid

	if err := s.update(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit()
}

// ListDevices 分页查询设备列表并组装结构体
func (s *SqlStore) ListDevices(ctx context.Context, page, size int) ([]inter.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteColumns+" FROM devices ORDER BY device_identification LIMIT ? OFFSET ?",
		size, pageOffset(page, size))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []inter.Device
	for rows.Next() {
		d, err := scanSqliteDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SqlStore) Close() error {
	return s.db.Close()
}
