package persistence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/loopflow/workflow"
)

// MemoryDefinitionStore keeps definitions in memory. Stored values are
// deep copies, so callers may keep mutating their own.
type MemoryDefinitionStore struct {
	mu      sync.RWMutex
	defs    map[string][]byte
	updated map[string]time.Time
}

// NewMemoryDefinitionStore creates an empty store
func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{
		defs:    make(map[string][]byte),
		updated: make(map[string]time.Time),
	}
}

// SaveDefinition creates or replaces a definition
func (s *MemoryDefinitionStore) SaveDefinition(_ context.Context, def *workflow.Definition) error {
	if def == nil || def.ID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.ID] = data
	s.updated[def.ID] = time.Now()
	return nil
}

// GetDefinition returns a copy of the stored definition
func (s *MemoryDefinitionStore) GetDefinition(_ context.Context, id string) (*workflow.Definition, error) {
	s.mu.RLock()
	data, ok := s.defs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var def workflow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ListDefinitions returns summaries ordered by ID
func (s *MemoryDefinitionStore) ListDefinitions(ctx context.Context) ([]DefinitionSummary, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.defs))
	for id := range s.defs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]DefinitionSummary, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetDefinition(ctx, id)
		if err != nil {
			continue
		}
		s.mu.RLock()
		updated := s.updated[id]
		s.mu.RUnlock()
		out = append(out, DefinitionSummary{ID: def.ID, Name: def.Name, Description: def.Description, UpdatedAt: updated})
	}
	return out, nil
}

// DeleteDefinition removes a definition
func (s *MemoryDefinitionStore) DeleteDefinition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[id]; !ok {
		return ErrNotFound
	}
	delete(s.defs, id)
	delete(s.updated, id)
	return nil
}

// MemoryLoopArchive keeps loop snapshots in memory
type MemoryLoopArchive struct {
	mu    sync.RWMutex
	loops map[string]map[string]workflow.LoopSnapshot
}

// NewMemoryLoopArchive creates an empty archive
func NewMemoryLoopArchive() *MemoryLoopArchive {
	return &MemoryLoopArchive{loops: make(map[string]map[string]workflow.LoopSnapshot)}
}

// ArchiveLoop stores the snapshot, replacing an earlier one for the same loop
func (a *MemoryLoopArchive) ArchiveLoop(_ context.Context, runID string, loop workflow.LoopSnapshot) error {
	if runID == "" || loop.LoopID == "" {
		return ErrInvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.loops[runID]
	if !ok {
		run = make(map[string]workflow.LoopSnapshot)
		a.loops[runID] = run
	}
	loop.History = append([]string(nil), loop.History...)
	run[loop.LoopID] = loop
	return nil
}

// ListLoops returns the run's loops ordered by start time
func (a *MemoryLoopArchive) ListLoops(_ context.Context, runID string) ([]workflow.LoopSnapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	run, ok := a.loops[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]workflow.LoopSnapshot, 0, len(run))
	for _, loop := range run {
		out = append(out, loop)
	}
	sortLoops(out)
	return out, nil
}

func sortLoops(loops []workflow.LoopSnapshot) {
	sort.Slice(loops, func(i, j int) bool {
		if loops[i].StartTime.Equal(loops[j].StartTime) {
			return loops[i].LoopID < loops[j].LoopID
		}
		return loops[i].StartTime.Before(loops[j].StartTime)
	})
}
