package sink

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"FlowWarden/internal/config"
	"FlowWarden/internal/model"
)

// HistoryQuery filters closed flows. Zero fields do not filter.
type HistoryQuery struct {
	Since    time.Time
	Until    time.Time
	Hostname string
	Decision string
	Limit    int
}

// Querier reads persisted flow history.
type Querier interface {
	History(ctx context.Context, q HistoryQuery) ([]model.Flow, error)
}

// ClickHouseQuerier implements the Querier interface for ClickHouse.
type ClickHouseQuerier struct {
	conn  driver.Conn
	table string
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (*ClickHouseQuerier, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &ClickHouseQuerier{conn: conn, table: cfg.Table}, nil
}

// History returns closed flows matching q, newest first.
func (q *ClickHouseQuerier) History(ctx context.Context, hq HistoryQuery) ([]model.Flow, error) {
	query, args := buildHistoryQuery(q.table, hq)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var flows []model.Flow
	for rows.Next() {
		var (
			id, decision, direction     string
			protocol                    uint8
			localIP, remoteIP, hostname string
			localPort, remotePort       uint16
			path, service, country      string
			pid                         int32
			bytesIn, bytesOut           uint64
			start, end                  time.Time
		)
		if err := rows.Scan(&id, &decision, &direction, &protocol,
			&localIP, &localPort, &remoteIP, &remotePort, &hostname,
			&path, &pid, &service, &country,
			&bytesIn, &bytesOut, &start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		f := model.Flow{
			State:        model.StateClosed,
			Protocol:     model.Protocol(protocol),
			BytesIn:      bytesIn,
			BytesOut:     bytesOut,
			Timestamp:    start,
			EndTimestamp: end,
		}
		if f.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse flow id %q: %w", id, err)
		}
		if err := f.Decision.UnmarshalText([]byte(decision)); err != nil {
			return nil, err
		}
		if err := f.Direction.UnmarshalText([]byte(direction)); err != nil {
			return nil, err
		}
		f.Local = endpoint(localIP, localPort, "")
		f.Remote = endpoint(remoteIP, remotePort, hostname)
		if path != "" {
			f.Process = &model.ProcessDescriptor{PID: int(pid), Path: path}
		}
		if service != "" {
			f.Service = &model.ServiceDescriptor{Name: service, Port: remotePort}
		}
		if country != "" {
			f.Location = &model.LocationRecord{Country: country}
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (q *ClickHouseQuerier) Close() error {
	return q.conn.Close()
}

func buildHistoryQuery(table string, q HistoryQuery) (string, []any) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT ID, Decision, Direction, Protocol, LocalIP, LocalPort, RemoteIP, RemotePort,
			Hostname, ProcessPath, ProcessPID, Service, Country, BytesIn, BytesOut, StartTime, EndTime
		FROM ` + table)

	var whereClauses []string
	var args []any
	if !q.Since.IsZero() {
		whereClauses = append(whereClauses, "StartTime >= ?")
		args = append(args, q.Since)
	}
	if !q.Until.IsZero() {
		whereClauses = append(whereClauses, "StartTime <= ?")
		args = append(args, q.Until)
	}
	if q.Hostname != "" {
		whereClauses = append(whereClauses, "Hostname = ?")
		args = append(args, q.Hostname)
	}
	if q.Decision != "" {
		whereClauses = append(whereClauses, "Decision = ?")
		args = append(args, q.Decision)
	}
	if len(whereClauses) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}

	queryBuilder.WriteString(" ORDER BY StartTime DESC")
	if q.Limit > 0 {
		queryBuilder.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}
	return queryBuilder.String(), args
}

func endpoint(ip string, port uint16, hostname string) model.Endpoint {
	addr, _ := netip.ParseAddr(ip)
	return model.Endpoint{Address: addr, Port: port, Hostname: hostname}
}
