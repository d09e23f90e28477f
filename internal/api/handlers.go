package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// envelope wraps every successful response.
type envelope struct {
	Data interface{} `json:"data"`
	Meta meta        `json:"meta"`
}

type meta struct {
	QueriedAt  time.Time `json:"queried_at"`
	Count      int       `json:"count"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// roleSet is the by-role aggregate response.
type roleSet struct {
	AsPayer   []store.EscrowRow `json:"as_payer"`
	AsPayee   []store.EscrowRow `json:"as_payee"`
	AsArbiter []store.EscrowRow `json:"as_arbiter"`
}

func (s *Server) handleByRole(role store.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, ok := pathAddress(r, "addr")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_address", "address is not valid lowercase hex")
			return
		}
		q, err := parseListQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
			return
		}

		rows, err := s.reader.EscrowsByRole(r.Context(), role, addr, q)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeEnvelope(w, rows, len(rows), nextCursor(rows, q.Limit))
	}
}

func (s *Server) handleAllRoles(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "addr")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address", "address is not valid lowercase hex")
		return
	}
	q, err := parseListQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	var set roleSet
	for _, part := range []struct {
		role store.Role
		dst  *[]store.EscrowRow
	}{
		{store.RolePayer, &set.AsPayer},
		{store.RolePayee, &set.AsPayee},
		{store.RoleArbiter, &set.AsArbiter},
	} {
		rows, err := s.reader.EscrowsByRole(r.Context(), part.role, addr, q)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		*part.dst = rows
	}
	writeEnvelope(w, set, len(set.AsPayer)+len(set.AsPayee)+len(set.AsArbiter), "")
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "escrow_address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address", "escrow address is not valid lowercase hex")
		return
	}
	row, err := s.reader.Escrow(r.Context(), addr)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeEnvelope(w, row, 1, "")
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "escrow_address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address", "escrow address is not valid lowercase hex")
		return
	}
	rows, err := s.reader.Approvals(r.Context(), addr)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeEnvelope(w, rows, len(rows), "")
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "escrow_address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address", "escrow address is not valid lowercase hex")
		return
	}
	rows, err := s.reader.Events(r.Context(), addr)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeEnvelope(w, rows, len(rows), "")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reader.Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeEnvelope(w, stats, len(stats), "")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := map[string]interface{}{"service": "escrow-indexer"}
	healthy := true

	if err := s.reader.Ping(ctx); err != nil {
		body["db"] = "unreachable"
		healthy = false
	} else {
		body["db"] = "ok"
	}

	if s.health != nil {
		attached := s.health.Attached()
		body["subscription"] = map[bool]string{true: "attached", false: "detached"}[attached]
		if !attached {
			healthy = false
		}

		last := s.health.LastApplied()
		if !last.IsZero() {
			body["last_applied"] = last.UTC().Format(time.RFC3339)
			// Stale is only unhealthy while messages are actually pending;
			// an idle chain produces no events and that is fine.
			if time.Since(last) > s.staleThreshold && s.health.Outstanding() > 0 {
				body["stale"] = true
				healthy = false
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		body["status"] = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		body["status"] = "healthy"
	}
	json.NewEncoder(w).Encode(body)
}

// pathAddress extracts and normalizes an address path variable.
func pathAddress(r *http.Request, key string) (string, bool) {
	return events.NormalizeAddress(mux.Vars(r)[key])
}

func parseListQuery(r *http.Request) (store.ListQuery, error) {
	q := store.ListQuery{Limit: defaultLimit}

	if status := r.URL.Query().Get("status"); status != "" {
		if !store.ValidStatus(status) {
			return q, fmt.Errorf("unknown status %q", status)
		}
		q.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, fmt.Errorf("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		q.Limit = n
	}
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cur, err := decodeCursor(raw)
		if err != nil {
			return q, err
		}
		q.Cursor = cur
	}
	return q, nil
}

// Cursors are opaque: base64("last_event_block:escrow_address").
func decodeCursor(raw string) (*store.Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor")
	}
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed cursor")
	}
	block, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor")
	}
	addr, ok := events.NormalizeAddress(parts[1])
	if !ok {
		return nil, fmt.Errorf("malformed cursor")
	}
	return &store.Cursor{LastEventBlock: block, EscrowAddress: addr}, nil
}

func encodeCursor(c store.Cursor) string {
	return base64.RawURLEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%d:%s", c.LastEventBlock, c.EscrowAddress)))
}

// nextCursor yields the continuation token when the page came back full.
func nextCursor(rows []store.EscrowRow, limit int) string {
	if len(rows) < limit || len(rows) == 0 {
		return ""
	}
	last := rows[len(rows)-1]
	return encodeCursor(store.Cursor{
		LastEventBlock: last.LastEventBlock,
		EscrowAddress:  last.EscrowAddress,
	})
}

func writeEnvelope(w http.ResponseWriter, data interface{}, count int, cursor string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelope{
		Data: data,
		Meta: meta{QueriedAt: time.Now().UTC(), Count: count, NextCursor: cursor},
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var e apiError
	e.Error.Code = code
	e.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e)
}

// writeStoreError maps store failures onto the API error taxonomy. Raw DB
// errors never reach clients.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such escrow")
	case store.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
