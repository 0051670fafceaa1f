// Package sqlstore implements the relational backend plugin on database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"market-agent/internal/plugin"
)

// statement keywords the plugin recognizes as SQL during validation.
var sqlKeywords = map[string]bool{
	"select": true,
	"insert": true,
	"update": true,
	"delete": true,
	"with":   true,
}

// Plugin executes SQL queries against a database/sql handle. On a
// connectivity failure it discards the handle and retries exactly once with a
// fresh connection; beyond that the error is returned normally.
type Plugin struct {
	driver string
	dsn    string
	logger *zap.Logger

	mu sync.Mutex
	db *sql.DB
}

// New creates the SQL plugin. The driver must be registered by the caller
// (e.g. a blank import of the sqlite3 driver in main).
func New(driver, dsn string, logger *zap.Logger) (*Plugin, error) {
	if strings.TrimSpace(driver) == "" {
		return nil, fmt.Errorf("sqlstore: driver must not be empty")
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlstore: dsn must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{driver: driver, dsn: dsn, logger: logger}, nil
}

func (s *Plugin) Process(ctx context.Context, query string, p plugin.Params) plugin.Result {
	if strings.TrimSpace(query) == "" {
		return plugin.Result{ErrorMessage: "Empty query provided"}
	}

	res, err := s.run(ctx, query, p)
	if err != nil && isConnectivityError(err) {
		s.logger.Warn("retrying with fresh connection", zap.Error(err))
		s.reset()
		res, err = s.run(ctx, query, p)
	}
	if err != nil {
		return plugin.Result{ErrorMessage: "Unable to execute query due to: " + err.Error()}
	}
	return res
}

// Validate accepts queries whose leading keyword looks like SQL.
func (s *Plugin) Validate(query string, _ plugin.Params) bool {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	if len(fields) == 0 {
		return false
	}
	return sqlKeywords[fields[0]]
}

func (s *Plugin) Capabilities() map[string]string {
	return map[string]string{
		"fetch_data":  "Runs SELECT queries against the relational store",
		"store_data":  "Runs INSERT statements",
		"update_data": "Runs UPDATE statements",
		"delete_data": "Runs DELETE statements",
	}
}

func (s *Plugin) run(ctx context.Context, query string, p plugin.Params) (plugin.Result, error) {
	db, err := s.handle()
	if err != nil {
		return plugin.Result{}, err
	}

	if isReadQuery(query) && !p.StoreData && !p.UpdateData && !p.DeleteData {
		return s.readRows(ctx, db, query)
	}

	if _, err := db.ExecContext(ctx, query); err != nil {
		return plugin.Result{}, err
	}
	return plugin.Result{}, nil
}

func (s *Plugin) readRows(ctx context.Context, db *sql.DB, query string) (plugin.Result, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return plugin.Result{}, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return plugin.Result{}, err
	}

	var data [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return plugin.Result{}, err
		}
		data = append(data, values)
	}
	if err := rows.Err(); err != nil {
		return plugin.Result{}, err
	}
	return plugin.Result{RowsData: data, Columns: columns}, nil
}

func (s *Plugin) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	s.db = db
	return s.db, nil
}

func (s *Plugin) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

// Close releases the underlying handle.
func (s *Plugin) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func isReadQuery(query string) bool {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	return len(fields) > 0 && (fields[0] == "select" || fields[0] == "with")
}

func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"bad connection", "unable to connect", "connection refused", "database is locked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
