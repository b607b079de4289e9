package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const spoolFile = "audit_spool.jsonl"

// Spool is the local-disk failover for audit events while the database is
// unreachable. Events land in a JSONL file and a background replayer feeds
// them back through WriteEvent.
type Spool struct {
	dir     string
	maxSize int64
	mu      sync.Mutex
}

func NewSpool(dir string, maxSizeMB int64) (*Spool, error) {
	if dir == "" {
		dir = "audit_spool"
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 256
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir, maxSize: maxSizeMB << 20}, nil
}

func (sp *Spool) Write(evt Event) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	path := filepath.Join(sp.dir, spoolFile)
	if info, err := os.Stat(path); err == nil && info.Size() >= sp.maxSize {
		return fmt.Errorf("audit spool full (%d bytes)", info.Size())
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// StartReplayer retries spooled events every interval until ctx is done.
func (s *Service) StartReplayer(ctx context.Context, interval time.Duration) {
	if s.spool == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.replaySpool(ctx)
			}
		}
	}()
}

func (s *Service) replaySpool(ctx context.Context) {
	sp := s.spool
	sp.mu.Lock()
	path := filepath.Join(sp.dir, spoolFile)
	info, err := os.Stat(path)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		sp.mu.Unlock()
		return
	}
	// Rename under the lock so concurrent writes start a fresh file. Failed
	// replays re-spool into the new file through WriteEvent.
	replayPath := filepath.Join(sp.dir, fmt.Sprintf("replay_%d.jsonl", time.Now().UnixNano()))
	if err := os.Rename(path, replayPath); err != nil {
		sp.mu.Unlock()
		log.Printf("[Audit] Spool rotate failed: %v", err)
		return
	}
	sp.mu.Unlock()

	f, err := os.Open(replayPath)
	if err != nil {
		return
	}
	defer func() {
		f.Close()
		os.Remove(replayPath)
	}()

	scanner := bufio.NewScanner(f)
	replayed := 0
	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			continue
		}
		if err := s.WriteEvent(ctx, evt); err == nil {
			replayed++
		}
	}
	if replayed > 0 {
		log.Printf("[Audit] Replayed %d spooled events", replayed)
	}
}
