package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type dlqEntry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Contract   common.Address  `json:"contract"`
	Entrypoint string          `json:"entrypoint"`
	RequestID  string          `json:"requestId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error"`
}

func (s *Server) writeDLQ(entry dlqEntry, execErr error) {
	if s.cfg.Service.DLQPath == "" {
		return
	}

	entry.Timestamp = time.Now().UTC()
	entry.Error = execErr.Error()
	if !json.Valid(entry.Payload) {
		entry.Payload = nil
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.log.Error("dlq marshal error", zap.Error(err))
		return
	}

	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		s.log.Error("dlq mkdir error", zap.Error(err))
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), entry.Entrypoint)
	path := filepath.Join(s.cfg.Service.DLQPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.log.Error("dlq write error", zap.Error(err))
	}

	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	if s.metrics != nil {
		s.metrics.setDLQDepth(depth)
	}
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("dlq read error", zap.Error(err))
		}
		return 0
	}
	return len(entries)
}
