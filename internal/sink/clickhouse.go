package sink

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"FlowWarden/internal/config"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/model"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS %s (
    ID          String,
    Decision    LowCardinality(String),
    Direction   LowCardinality(String),
    Protocol    UInt8,
    LocalIP     String,
    LocalPort   UInt16,
    RemoteIP    String,
    RemotePort  UInt16,
    Hostname    String,
    ProcessPath String,
    ProcessPID  Int32,
    Service     String,
    Country     String,
    BytesIn     UInt64,
    BytesOut    UInt64,
    StartTime   DateTime64(3),
    EndTime     DateTime64(3)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(StartTime)
ORDER BY (StartTime, ID);
`

func init() {
	RegisterWriter("clickhouse", func(cfg config.SinkConfig, log logger.Logger) (model.Writer, error) {
		return NewClickHouseWriter(cfg.ClickHouse, log)
	})
}

// ClickHouseWriter implements the model.Writer interface for ClickHouse.
type ClickHouseWriter struct {
	conn  driver.Conn
	table string
	log   logger.Logger
}

// NewClickHouseWriter connects and makes sure the flow table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig, log logger.Logger) (*ClickHouseWriter, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), fmt.Sprintf(createTableStatement, cfg.Table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Infof("connected to ClickHouse at %s:%d, table '%s'", cfg.Host, cfg.Port, cfg.Table)

	return &ClickHouseWriter{conn: conn, table: cfg.Table, log: log}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Write inserts closed flows in one batch.
func (w *ClickHouseWriter) Write(flows []model.Flow) error {
	if len(flows) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO "+w.table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, f := range flows {
		if err := batch.Append(flowRow(f)...); err != nil {
			return fmt.Errorf("failed to append flow %s to batch: %w", f.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	w.log.Debugf("wrote %d flows to ClickHouse", len(flows))
	return nil
}

func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// flowRow lays a flow out in table column order.
func flowRow(f model.Flow) []any {
	var (
		path    string
		pid     int32
		service string
		country string
	)
	if f.Process != nil {
		path, pid = f.Process.Path, int32(f.Process.PID)
	}
	if f.Service != nil {
		service = f.Service.Name
	}
	if f.Location != nil {
		country = f.Location.Country
	}
	return []any{
		f.ID.String(),
		f.Decision.String(),
		f.Direction.String(),
		uint8(f.Protocol),
		addrString(f.Local),
		f.Local.Port,
		addrString(f.Remote),
		f.Remote.Port,
		f.Remote.Hostname,
		path,
		pid,
		service,
		country,
		f.BytesIn,
		f.BytesOut,
		f.Timestamp,
		f.EndTimestamp,
	}
}

func addrString(e model.Endpoint) string {
	if !e.Address.IsValid() {
		return ""
	}
	return e.Address.String()
}
