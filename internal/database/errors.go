package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrSchemaMissing is returned by VerifySchema when a required table is absent.
	ErrSchemaMissing = errors.New("store schema missing")
	// ErrPoolUnhealthy is reported once reconnects keep failing past the configured limit.
	ErrPoolUnhealthy = errors.New("connection pool unhealthy")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool closed")
)

// IsConnectionError reports whether err means the connection itself is no
// longer usable, so the slot must be re-dialed before it is leased again.
func IsConnectionError(err error) bool {
	// 超时和取消属于本次调用, 连接本身仍可用
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08xxx connection exception, 57P01..57P03 admin/crash shutdown
		return strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03"
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "connection reset")
}

// IsTransient reports whether a write that failed with err may succeed when
// retried. Everything else (constraint violations, bad data, missing
// relations) is permanent and retrying only burns the budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrPoolUnhealthy) {
		return true
	}
	if IsConnectionError(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		case pgErr.Code == "55P03", pgErr.Code == "57014": // lock not available, query canceled
			return true
		}
	}
	return false
}
