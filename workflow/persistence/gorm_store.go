package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/loopflow/workflow"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefinitionModel is the table row of a workflow definition
type DefinitionModel struct {
	ID          string `gorm:"primaryKey;size:128"`
	Name        string `gorm:"size:255;not null"`
	Description string `gorm:"type:text"`
	Body        string `gorm:"type:text;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName returns the definitions table name
func (DefinitionModel) TableName() string { return "workflow_definitions" }

// RunModel is the table row of a finished run
type RunModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	WorkflowID string `gorm:"size:128;index"`
	Status     string `gorm:"size:32;index"`
	Input      string `gorm:"type:text"`
	Output     string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	StartTime  time.Time
	EndTime    time.Time
	Body       string `gorm:"type:text;not null"`
	CreatedAt  time.Time
}

// TableName returns the runs table name
func (RunModel) TableName() string { return "workflow_runs" }

// GormStore stores definitions and run records in a SQL database
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a database handle
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the tables
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&DefinitionModel{}, &RunModel{})
}

// SaveDefinition creates or replaces a definition
func (s *GormStore) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if def == nil || def.ID == "" {
		return ErrInvalidInput
	}
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	row := DefinitionModel{ID: def.ID, Name: def.Name, Description: def.Description, Body: string(body)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "body", "updated_at"}),
	}).Create(&row).Error
}

// GetDefinition loads a definition by ID
func (s *GormStore) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	var row DefinitionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var def workflow.Definition
	if err := json.Unmarshal([]byte(row.Body), &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition %s: %w", id, err)
	}
	return &def, nil
}

// ListDefinitions returns summaries ordered by ID
func (s *GormStore) ListDefinitions(ctx context.Context) ([]DefinitionSummary, error) {
	var rows []DefinitionModel
	if err := s.db.WithContext(ctx).Select("id", "name", "description", "updated_at").Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]DefinitionSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, DefinitionSummary{ID: r.ID, Name: r.Name, Description: r.Description, UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}

// DeleteDefinition removes a definition
func (s *GormStore) DeleteDefinition(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&DefinitionModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveRun stores a finished run
func (s *GormStore) SaveRun(ctx context.Context, result *workflow.RunResult) error {
	if result == nil || result.RunID == "" {
		return ErrInvalidInput
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	row := RunModel{
		ID:         result.RunID,
		WorkflowID: result.WorkflowID,
		Status:     string(result.Status),
		Input:      result.Input,
		Output:     result.Output,
		Error:      result.Error,
		StartTime:  result.StartTime,
		EndTime:    result.EndTime,
		Body:       string(body),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// GetRun loads the full record of a run
func (s *GormStore) GetRun(ctx context.Context, runID string) (*workflow.RunResult, error) {
	var row RunModel
	err := s.db.WithContext(ctx).Where("id = ?", runID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var result workflow.RunResult
	if err := json.Unmarshal([]byte(row.Body), &result); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &result, nil
}

// ListRuns returns run summaries, newest first. An empty workflowID lists all runs.
func (s *GormStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]workflow.RunSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).
		Select("id", "workflow_id", "status", "output", "error", "start_time", "end_time").
		Order("start_time DESC").
		Limit(limit)
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}

	var rows []RunModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]workflow.RunSnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, workflow.RunSnapshot{
			RunID:      r.ID,
			WorkflowID: r.WorkflowID,
			Status:     workflow.RunStatus(r.Status),
			Output:     r.Output,
			Error:      r.Error,
			StartTime:  r.StartTime,
			EndTime:    r.EndTime,
		})
	}
	return out, nil
}
