// Package source defines the adapter contract for external finance data
// providers and the error taxonomy the retry and fallback layers key on.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"stockpulse/internal/record"
)

// Request describes one logical snapshot fetch. Quotes requests may
// carry many codes (providers batch them in one call); news requests
// carry at most one code; sector requests carry the board type and
// TopN; billboard requests carry the trade date as YYYY-MM-DD.
type Request struct {
	Kind       record.Kind
	Codes      []string
	SectorType record.SectorType
	TopN       int
	Date       string
}

// Task names the request for audit records, e.g. "quotes_600584_000001"
// or "sectors_concept". Code-less requests are named by kind alone.
func (r Request) Task() string {
	switch r.Kind {
	case record.KindSectors:
		return fmt.Sprintf("sectors_%s", r.SectorType)
	case record.KindDragonTiger:
		if r.Date == "" {
			return string(r.Kind)
		}
		return fmt.Sprintf("%s_%s", r.Kind, r.Date)
	default:
		if len(r.Codes) == 0 {
			return string(r.Kind)
		}
		return fmt.Sprintf("%s_%s", r.Kind, strings.Join(r.Codes, "_"))
	}
}

// Adapter fetches raw tabular rows from exactly one external provider.
// One Fetch issues one outbound call; retries belong to the retry
// controller, not the adapter.
type Adapter interface {
	ID() string
	Fetch(ctx context.Context, req Request) ([]record.RawRow, error)
	// Mapping returns the adapter's column mapping for a record kind,
	// resolved once at registration. ok is false for unsupported kinds.
	Mapping(kind record.Kind) (record.FieldMapping, bool)
}

// ErrEmptyResult marks a well-formed response with no matching rows.
// It is a real "no data now" condition, never retried; the fallback
// orchestrator moves to the next adapter without delay.
var ErrEmptyResult = errors.New("source: empty result")

// ErrUnsupported marks a (provider, kind) pair the adapter does not
// serve. Terminal for that adapter; the orchestrator skips ahead.
var ErrUnsupported = errors.New("source: kind not supported by this provider")

// TransportError wraps network, timeout, and connection-level failures.
// Retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// FormatError reports a response that arrived but violates the expected
// shape. Retryable: the upstream may recover after a brief CDN or cache
// outage.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream format: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("upstream format: %s", e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Retryable classifies an adapter error for the retry controller.
// Transport and format failures are worth another attempt; empty
// results and unsupported kinds are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEmptyResult) || errors.Is(err, ErrUnsupported) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var fe *FormatError
	return errors.As(err, &fe)
}

// transportish reports low-level failures worth wrapping as transport
// errors even when they surface from the body reader.
func transportish(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "reset by peer")
}
