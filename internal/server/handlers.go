package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/storage"
	"github.com/devrev/pairdb/gridcache/internal/txn"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxValueBytes bounds request bodies
const maxValueBytes = 8 << 20

type errorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Operation is one step of a transaction request. Ops are "get", "put" and
// "remove"; TTL applies to puts.
type Operation struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	TTL   string `json:"ttl,omitempty"`
}

// TransactionRequest runs its operations in one transaction
type TransactionRequest struct {
	Operations []Operation `json:"operations"`
}

// ReadResult is the outcome of a get inside a transaction
type ReadResult struct {
	Key   string `json:"key"`
	Found bool   `json:"found"`
	Value string `json:"value,omitempty"`
}

// TransactionResponse lists the reads of a committed transaction in order
type TransactionResponse struct {
	Status string       `json:"status"`
	Reads  []ReadResult `json:"reads"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: RequestIDFrom(r.Context()),
	})
}

// handleError maps cache errors onto their HTTP status
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var ce *cerrors.CacheError
	if cerrors.As(err, &ce) {
		status = ce.HTTPStatus()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err))
	}
	s.writeError(w, r, status, cerrors.GetCode(err).String(), err.Error())
}

func keyOf(r *http.Request) model.Key {
	return model.Key(mux.Vars(r)["key"])
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	value, found, err := s.cache.Get(r.Context(), keyOf(r))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, http.StatusNotFound, cerrors.ErrCodeKeyNotFound.String(), "key not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

// put stores the request body; ?ttl=30s bounds the entry's lifetime
func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes+1))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, cerrors.ErrCodeInvalidArgument.String(), "failed to read body")
		return
	}
	if len(value) > maxValueBytes {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, cerrors.ErrCodeInvalidArgument.String(), "value too large")
		return
	}

	key := keyOf(r)
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		ttl, perr := time.ParseDuration(raw)
		if perr != nil || ttl <= 0 {
			s.writeError(w, r, http.StatusBadRequest, cerrors.ErrCodeInvalidArgument.String(), "ttl must be a positive duration")
			return
		}
		err = s.cache.PutWithTTL(r.Context(), key, value, ttl)
	} else {
		err = s.cache.Put(r.Context(), key, value)
	}
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Remove(r.Context(), keyOf(r)); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// peek reads the local copy only; ?tiers=onheap,swap narrows the tiers
func (s *Server) peek(w http.ResponseWriter, r *http.Request) {
	mask := storage.TierAll
	if raw := r.URL.Query().Get("tiers"); raw != "" {
		var err error
		if mask, err = storage.ParseTierMask(raw); err != nil {
			s.writeError(w, r, http.StatusBadRequest, cerrors.ErrCodeInvalidArgument.String(), err.Error())
			return
		}
	}
	value, found, err := s.cache.LocalPeek(keyOf(r), mask)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, http.StatusNotFound, cerrors.ErrCodeKeyNotFound.String(), "key not held locally")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func (s *Server) transact(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxValueBytes)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, cerrors.ErrCodeInvalidArgument.String(), "invalid request body")
		return
	}
	ttls := make([]time.Duration, len(req.Operations))
	for i, op := range req.Operations {
		if op.Key == "" {
			s.writeError(w, r, http.StatusBadRequest, cerrors.ErrCodeInvalidArgument.String(), "operation key is required")
			return
		}
		switch op.Op {
		case "get", "remove":
		case "put":
			if op.TTL == "" {
				continue
			}
			ttl, err := time.ParseDuration(op.TTL)
			if err != nil || ttl <= 0 {
				s.writeError(w, r, http.StatusBadRequest, cerrors.ErrCodeInvalidArgument.String(), "ttl must be a positive duration")
				return
			}
			ttls[i] = ttl
		default:
			s.writeError(w, r, http.StatusBadRequest, cerrors.ErrCodeInvalidArgument.String(), "unknown operation "+op.Op)
			return
		}
	}

	var reads []ReadResult
	err := s.cache.Transact(r.Context(), func(tx *txn.Txn) error {
		reads = reads[:0]
		for i, op := range req.Operations {
			key := model.Key(op.Key)
			var err error
			switch op.Op {
			case "get":
				var value []byte
				var found bool
				value, found, err = tx.Get(r.Context(), key)
				if err == nil {
					reads = append(reads, ReadResult{Key: op.Key, Found: found, Value: string(value)})
				}
			case "put":
				if ttls[i] > 0 {
					err = tx.PutWithTTL(key, []byte(op.Value), ttls[i])
				} else {
					err = tx.Put(key, []byte(op.Value))
				}
			case "remove":
				err = tx.Remove(key)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if reads == nil {
		reads = []ReadResult{}
	}
	writeJSON(w, http.StatusOK, TransactionResponse{Status: "committed", Reads: reads})
}

func (s *Server) size(w http.ResponseWriter, r *http.Request) {
	size, err := s.cache.Size(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"size":       size,
		"local_size": s.cache.LocalSize(),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Metrics())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	if !st.Ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"error":  st.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"topology": st.Topology,
		"members":  st.Members,
	})
}
