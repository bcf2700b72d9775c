package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nhirsama/oslp-adapter/src/inter"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS devices (
   device_uid            TEXT PRIMARY KEY,
   device_identification TEXT UNIQUE NOT NULL,
   ip_address            TEXT NOT NULL DEFAULT '',
   device_type           TEXT NOT NULL DEFAULT '',
   has_schedule          BOOLEAN NOT NULL DEFAULT FALSE,
   public_key            BYTEA,
   sequence_number       INTEGER,
   random_device         INTEGER,
   random_platform       INTEGER,
   created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
   updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const pgColumns = `device_uid, device_identification, ip_address, device_type, has_schedule,
	public_key, sequence_number, random_device, random_platform, created_at, updated_at`

// PgStore 基于 PostgreSQL 的设备存储
// 原子更新依赖 SELECT ... FOR UPDATE 行锁，可供多个实例共享
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgStore{pool: pool}, nil
}

func scanPgDevice(row pgx.Row) (inter.Device, error) {
	var (
		d                inter.Device
		seq, rdev, rplat *int32
	)
	err := row.Scan(
		&d.DeviceUID, &d.DeviceIdentification, &d.IPAddress, &d.DeviceType, &d.HasSchedule,
		&d.PublicKey, &seq, &rdev, &rplat, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, inter.ErrDeviceNotFound
	}
	if err != nil {
		return d, err
	}
	d.SequenceNumber = int32Ptr(seq)
	d.RandomDevice = int32Ptr(rdev)
	d.RandomPlatform = int32Ptr(rplat)
	return d, nil
}

func int32Ptr(p *int32) *int {
	if p == nil {
		return nil
	}
	v := int(*p)
	return &v
}

func (s *PgStore) GetDeviceByUID(ctx context.Context, uid string) (inter.Device, error) {
	return scanPgDevice(s.pool.QueryRow(ctx, "SELECT "+pgColumns+" FROM devices WHERE device_uid = $1", uid))
}

func (s *PgStore) GetDeviceByIdentification(ctx context.Context, identification string) (inter.Device, error) {
	return scanPgDevice(s.pool.QueryRow(ctx, "SELECT "+pgColumns+" FROM devices WHERE device_identification = $1", identification))
}

func (s *PgStore) CreateDevice(ctx context.Context, d inter.Device) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (`+pgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.DeviceUID, d.DeviceIdentification, d.IPAddress, d.DeviceType, d.HasSchedule,
		d.PublicKey, intPtrValue(d.SequenceNumber), intPtrValue(d.RandomDevice), intPtrValue(d.RandomPlatform),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("插入设备 %s 失败: %w", d.DeviceIdentification, err)
	}
	return nil
}

func (s *PgStore) UpdateDevice(ctx context.Context, d inter.Device) error {
	tag, err := s.pool.Exec(ctx, pgUpdate, pgUpdateArgs(d)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inter.ErrDeviceNotFound
	}
	return nil
}

const pgUpdate = `
	UPDATE devices SET
		device_identification=$1, ip_address=$2, device_type=$3, has_schedule=$4, public_key=$5,
		sequence_number=$6, random_device=$7, random_platform=$8, updated_at=$9
	WHERE device_uid=$10`

func pgUpdateArgs(d inter.Device) []any {
	return []any{
		d.DeviceIdentification, d.IPAddress, d.DeviceType, d.HasSchedule, d.PublicKey,
		intPtrValue(d.SequenceNumber), intPtrValue(d.RandomDevice), intPtrValue(d.RandomPlatform),
		time.Now().UTC(), d.DeviceUID,
	}
}

// UpdateDeviceAtomic 事务内加行锁完成读-改-写
func (s *PgStore) UpdateDeviceAtomic(ctx context.Context, uid string, fn inter.DeviceUpdateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	d, err := scanPgDevice(tx.QueryRow(ctx, "SELECT "+pgColumns+" FROM devices WHERE device_uid = $1 FOR UPDATE", uid))
	if err != nil {
		return err
	}
	if err := fn(&d); err != nil {
		return err
	}
	d.DeviceUID = uid

	if _, err := tx.Exec(ctx, pgUpdate, pgUpdateArgs(d)...); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PgStore) ListDevices(ctx context.Context, page, size int) ([]inter.Device, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+pgColumns+" FROM devices ORDER BY device_identification LIMIT $1 OFFSET $2",
		size, pageOffset(page, size))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []inter.Device
	for rows.Next() {
		d, err := scanPgDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}
