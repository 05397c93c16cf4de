package knx

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// FrameRecorder passively records device individual addresses and group
// addresses seen on the bus. The Bridge calls Record for every decoded frame,
// building a database of known addresses over time.
//
// Thread Safety: All methods are safe for concurrent use.
type FrameRecorder struct {
	db     *sql.DB
	logger Logger

	// Prepared statements for upserts (created once, reused)
	gaUpsertStmt     *sql.Stmt
	deviceUpsertStmt *sql.Stmt
	stmtMu           sync.Mutex

	// Shutdown coordination
	closed bool
	mu     sync.RWMutex
}

// NewFrameRecorder creates a recorder on db.
// The database must have the knx_group_addresses and knx_devices tables created.
func NewFrameRecorder(db *sql.DB) *FrameRecorder {
	return &FrameRecorder{db: db}
}

// SetLogger sets the logger for the recorder.
func (r *FrameRecorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the recorder for use.
// Must be called before Record.
func (r *FrameRecorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.gaUpsertStmt != nil {
		return nil // Already started
	}

	gaStmt, err := r.db.Prepare(`
		INSERT INTO knx_group_addresses (group_address, last_seen, message_count, has_read_response)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(group_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1,
			has_read_response = MAX(has_read_response, excluded.has_read_response)
	`)
	if err != nil {
		return fmt.Errorf("preparing GA upsert statement: %w", err)
	}

	deviceStmt, err := r.db.Prepare(`
		INSERT INTO knx_devices (individual_address, last_seen, message_count)
		VALUES (?, ?, 1)
		ON CONFLICT(individual_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`)
	if err != nil {
		gaStmt.Close()
		return fmt.Errorf("preparing device upsert statement: %w", err)
	}

	r.gaUpsertStmt = gaStmt
	r.deviceUpsertStmt = deviceStmt
	r.log("frame recorder started")
	return nil
}

// Stop closes the recorder and releases resources.
func (r *FrameRecorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.gaUpsertStmt != nil {
		r.gaUpsertStmt.Close()
		r.gaUpsertStmt = nil
	}
	if r.deviceUpsertStmt != nil {
		r.deviceUpsertStmt.Close()
		r.deviceUpsertStmt = nil
	}

	r.log("frame recorder stopped")
}

// Record stores the source device and, for group destinations, the
// destination group address of f.
//
// Source 0.0.0 and group 0/0/0 are skipped. A response (APCI 0x40) marks the
// group address as answering reads.
func (r *FrameRecorder) Record(f Frame) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.stmtMu.Lock()
	gaStmt := r.gaUpsertStmt
	deviceStmt := r.deviceUpsertStmt
	r.stmtMu.Unlock()

	if gaStmt == nil || deviceStmt == nil {
		return // Not started
	}

	now := time.Now().Unix()

	if f.Source != 0 {
		if _, err := deviceStmt.Exec(f.SourceAddress(), now); err != nil {
			r.logError("recording device", err)
		}
	}

	if f.IsGroup() && f.Destination != 0 {
		hasResponse := 0
		if f.Command() == CommandResponse {
			hasResponse = 1
		}
		if _, err := gaStmt.Exec(f.DestinationAddress(), now, hasResponse); err != nil {
			r.logError("recording GA", err)
		}
	}
}

// RecentDevices returns the most recently active individual addresses.
func (r *FrameRecorder) RecentDevices(ctx context.Context, limit int) ([]string, error) {
	return r.queryAddresses(ctx, `
		SELECT individual_address FROM knx_devices
		ORDER BY last_seen DESC
		LIMIT ?
	`, limit)
}

// RecentGroupAddresses returns group addresses, those that answered reads first.
func (r *FrameRecorder) RecentGroupAddresses(ctx context.Context, limit int) ([]string, error) {
	return r.queryAddresses(ctx, `
		SELECT group_address FROM knx_group_addresses
		ORDER BY has_read_response DESC, last_seen DESC
		LIMIT ?
	`, limit)
}

func (r *FrameRecorder) queryAddresses(ctx context.Context, query string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}

	return addresses, rows.Err()
}

// GroupAddressCount returns the number of discovered group addresses.
func (r *FrameRecorder) GroupAddressCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knx_group_addresses`).Scan(&count)
	return count, err
}

// DeviceCount returns the number of discovered devices.
func (r *FrameRecorder) DeviceCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knx_devices`).Scan(&count)
	return count, err
}

// log logs an info message if logger is set.
func (r *FrameRecorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error if logger is set.
func (r *FrameRecorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
