package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/valuerank/valuerank/pkg/config"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a guarded update finds the record in a
// state the caller did not expect.
var ErrConflict = errors.New("conflicting state")

// RunFilter narrows ListRuns.
type RunFilter struct {
	DefinitionID string
	ExperimentID string
	Status       RunStatus
	Limit        int
}

// Store provides persistence for runs, transcripts, and the model
// registry.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// DB exposes the underlying connection so the job queue can share
	// it and participate in the same transactions.
	DB() *gorm.DB

	CreateRunWithSelections(
		ctx context.Context, run *Run, selections []RunScenarioSelection,
	) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	TransitionRun(
		ctx context.Context, id string, from []RunStatus, to RunStatus,
	) (*Run, error)
	CountRunsForDefinitionSince(
		ctx context.Context, definitionID string, since time.Time,
	) (int64, error)
	SetRunProgressTotal(ctx context.Context, id string, total int) error
	SetSummarizeTotal(ctx context.Context, id string, total int) error
	IncrementProbeProgress(
		ctx context.Context, id string, failed bool,
	) (*Run, error)
	IncrementSummarizeProgress(
		ctx context.Context, id string, failed bool,
	) (*Run, error)
	TouchRun(ctx context.Context, id string) error
	ListStuckRuns(
		ctx context.Context, statuses []RunStatus, idleSince time.Time,
	) ([]Run, error)
	ListSelections(
		ctx context.Context, runID string,
	) ([]RunScenarioSelection, error)

	UpsertTranscript(ctx context.Context, t *Transcript) error
	ListTranscripts(ctx context.Context, runID string) ([]Transcript, error)
	ListUnsummarizedTranscripts(
		ctx context.Context, runID string,
	) ([]Transcript, error)
	GetTranscript(ctx context.Context, id string) (*Transcript, error)
	SetTranscriptSummary(ctx context.Context, id, decisionCode string) error
	ListDecisionCodes(
		ctx context.Context, definitionID, modelID, scenarioID string,
	) ([]string, error)

	GetDefinition(ctx context.Context, id string) (*Definition, error)
	ListScenarios(ctx context.Context, definitionID string) ([]Scenario, error)
	ReplaceScenarios(
		ctx context.Context, definitionID string, scenarios []Scenario,
	) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)

	SeedModels(ctx context.Context, models []Model) error
	GetModel(ctx context.Context, id string) (*Model, error)
	ListModels(ctx context.Context) ([]Model, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&RunScenarioSelection{},
		&Transcript{},
		&Definition{},
		&Scenario{},
		&Experiment{},
		&Model{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// DB returns the live gorm handle. Valid only between Start and Stop.
func (s *store) DB() *gorm.DB {
	return s.db
}

// CreateRunWithSelections inserts the run and its scenario selections
// in one transaction so a run can never exist without its plan.
func (s *store) CreateRunWithSelections(
	ctx context.Context, run *Run, selections []RunScenarioSelection,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		for i := range selections {
			selections[i].RunID = run.ID
		}

		if len(selections) > 0 {
			if err := tx.CreateInBatches(selections, 100).Error; err != nil {
				return fmt.Errorf("creating scenario selections: %w", err)
			}
		}

		return nil
	})
}

// GetRun returns a run by id.
func (s *store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *store) ListRuns(
	ctx context.Context, filter RunFilter,
) ([]Run, error) {
	q := s.db.WithContext(ctx).Model(&Run{})

	if filter.DefinitionID != "" {
		q = q.Where("definition_id = ?", filter.DefinitionID)
	}

	if filter.ExperimentID != "" {
		q = q.Where("experiment_id = ?", filter.ExperimentID)
	}

	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var runs []Run
	if err := q.Order("created_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// TransitionRun moves a run to a new status, guarded by the set of
// statuses the caller expects it to be in. Returns ErrConflict when the
// run is in none of them, which makes concurrent transitions safe to
// race: exactly one wins.
func (s *store) TransitionRun(
	ctx context.Context, id string, from []RunStatus, to RunStatus,
) (*Run, error) {
	now := time.Now().UTC()

	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}

	switch to {
	case StatusRunning:
		updates["started_at"] = now
	case StatusCompleted, StatusFailed, StatusCancelled:
		updates["completed_at"] = now
	}

	res := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("transitioning run: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return nil, err
		}

		return nil, ErrConflict
	}

	return s.GetRun(ctx, id)
}

// CountRunsForDefinitionSince counts runs created for a definition at
// or after the given instant. Soft-deleted runs are included so run
// name letters never repeat within a day.
func (s *store) CountRunsForDefinitionSince(
	ctx context.Context, definitionID string, since time.Time,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Unscoped().
		Model(&Run{}).
		Where("definition_id = ? AND created_at >= ?", definitionID, since).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting runs for definition: %w", err)
	}

	return count, nil
}

// SetRunProgressTotal records how many probe jobs were actually
// committed to the queue for the run.
func (s *store) SetRunProgressTotal(
	ctx context.Context, id string, total int,
) error {
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", id).
		Update("progress_total", total).Error; err != nil {
		return fmt.Errorf("setting run progress total: %w", err)
	}

	return nil
}

// SetSummarizeTotal records how many summarize jobs the summarization
// phase was started with, resetting the phase counters.
func (s *store) SetSummarizeTotal(
	ctx context.Context, id string, total int,
) error {
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"summarize_total":     total,
			"summarize_completed": 0,
			"summarize_failed":    0,
		}).Error; err != nil {
		return fmt.Errorf("setting summarize total: %w", err)
	}

	return nil
}

// IncrementProbeProgress bumps the completed or failed probe counter
// atomically and returns the fresh run so the caller can decide whether
// the probe phase just finished.
func (s *store) IncrementProbeProgress(
	ctx context.Context, id string, failed bool,
) (*Run, error) {
	column := "progress_completed"
	if failed {
		column = "progress_failed"
	}

	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", id).
		Update(column, gorm.Expr(column+" + 1")).Error; err != nil {
		return nil, fmt.Errorf("incrementing probe progress: %w", err)
	}

	return s.GetRun(ctx, id)
}

// IncrementSummarizeProgress bumps the completed or failed summarize
// counter atomically and returns the fresh run.
func (s *store) IncrementSummarizeProgress(
	ctx context.Context, id string, failed bool,
) (*Run, error) {
	column := "summarize_completed"
	if failed {
		column = "summarize_failed"
	}

	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", id).
		Update(column, gorm.Expr(column+" + 1")).Error; err != nil {
		return nil, fmt.Errorf("incrementing summarize progress: %w", err)
	}

	return s.GetRun(ctx, id)
}

// TouchRun refreshes a run's update timestamp, marking it as having
// recent activity without changing anything else.
func (s *store) TouchRun(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error; err != nil {
		return fmt.Errorf("touching run: %w", err)
	}

	return nil
}

// ListStuckRuns returns runs in any of the given statuses whose last
// update is older than idleSince, oldest first.
func (s *store) ListStuckRuns(
	ctx context.Context, statuses []RunStatus, idleSince time.Time,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, idleSince).
		Order("updated_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing stuck runs: %w", err)
	}

	return runs, nil
}

// ListSelections returns the scenario selections recorded for a run.
func (s *store) ListSelections(
	ctx context.Context, runID string,
) ([]RunScenarioSelection, error) {
	var selections []RunScenarioSelection
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("scenario_id ASC").
		Find(&selections).Error; err != nil {
		return nil, fmt.Errorf("listing scenario selections: %w", err)
	}

	return selections, nil
}

// UpsertTranscript inserts or replaces the transcript for a probe,
// keyed by (run, scenario, model, sample). Replayed jobs overwrite
// their earlier record instead of creating a duplicate; the existing
// row keeps its id.
func (s *store) UpsertTranscript(ctx context.Context, t *Transcript) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "run_id"},
				{Name: "scenario_id"},
				{Name: "model_id"},
				{Name: "sample_index"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
		}).
		Create(t).Error; err != nil {
		return fmt.Errorf("upserting transcript: %w", err)
	}

	return nil
}

// ListTranscripts returns all transcripts recorded for a run.
func (s *store) ListTranscripts(
	ctx context.Context, runID string,
) ([]Transcript, error) {
	var transcripts []Transcript
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("scenario_id ASC, model_id ASC, sample_index ASC").
		Find(&transcripts).Error; err != nil {
		return nil, fmt.Errorf("listing transcripts: %w", err)
	}

	return transcripts, nil
}

// ListUnsummarizedTranscripts returns transcripts for a run that the
// summarization phase has not consumed yet.
func (s *store) ListUnsummarizedTranscripts(
	ctx context.Context, runID string,
) ([]Transcript, error) {
	var transcripts []Transcript
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND summarized_at IS NULL", runID).
		Order("scenario_id ASC, model_id ASC, sample_index ASC").
		Find(&transcripts).Error; err != nil {
		return nil, fmt.Errorf("listing unsummarized transcripts: %w", err)
	}

	return transcripts, nil
}

// GetTranscript returns a transcript by id.
func (s *store) GetTranscript(
	ctx context.Context, id string,
) (*Transcript, error) {
	var t Transcript
	if err := s.db.WithContext(ctx).
		First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting transcript: %w", err)
	}

	return &t, nil
}

// SetTranscriptSummary records the extracted decision code and marks
// the transcript as summarized.
func (s *store) SetTranscriptSummary(
	ctx context.Context, id, decisionCode string,
) error {
	now := time.Now().UTC()

	if err := s.db.WithContext(ctx).
		Model(&Transcript{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"decision_code": decisionCode,
			"summarized_at": now,
		}).Error; err != nil {
		return fmt.Errorf("setting transcript summary: %w", err)
	}

	return nil
}

// ListDecisionCodes returns the decision codes already extracted for a
// (definition, model, scenario) triple across all of the definition's
// runs. Used to size adaptive final-trial sampling.
func (s *store) ListDecisionCodes(
	ctx context.Context, definitionID, modelID, scenarioID string,
) ([]string, error) {
	var codes []string
	if err := s.db.WithContext(ctx).
		Model(&Transcript{}).
		Joins("JOIN runs ON runs.id = transcripts.run_id").
		Where("runs.definition_id = ? AND transcripts.model_id = ? AND transcripts.scenario_id = ? AND transcripts.decision_code IS NOT NULL",
			definitionID, modelID, scenarioID).
		Pluck("transcripts.decision_code", &codes).Error; err != nil {
		return nil, fmt.Errorf("listing decision codes: %w", err)
	}

	return codes, nil
}

// GetDefinition returns a definition by id.
func (s *store) GetDefinition(
	ctx context.Context, id string,
) (*Definition, error) {
	var def Definition
	if err := s.db.WithContext(ctx).
		First(&def, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting definition: %w", err)
	}

	return &def, nil
}

// ListScenarios returns a definition's scenarios in authoring order.
func (s *store) ListScenarios(
	ctx context.Context, definitionID string,
) ([]Scenario, error) {
	var scenarios []Scenario
	if err := s.db.WithContext(ctx).
		Where("definition_id = ?", definitionID).
		Order("position ASC").
		Find(&scenarios).Error; err != nil {
		return nil, fmt.Errorf("listing scenarios: %w", err)
	}

	return scenarios, nil
}

// ReplaceScenarios swaps a definition's scenario set in one
// transaction. Survey experiments regenerate scenarios from their
// canonical question plan before each run.
func (s *store) ReplaceScenarios(
	ctx context.Context, definitionID string, scenarios []Scenario,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().
			Where("definition_id = ?", definitionID).
			Delete(&Scenario{}).Error; err != nil {
			return fmt.Errorf("deleting scenarios: %w", err)
		}

		if len(scenarios) > 0 {
			if err := tx.CreateInBatches(scenarios, 100).Error; err != nil {
				return fmt.Errorf("creating scenarios: %w", err)
			}
		}

		if err := tx.Model(&Definition{}).
			Where("id = ?", definitionID).
			Update("version", gorm.Expr("version + 1")).Error; err != nil {
			return fmt.Errorf("bumping definition version: %w", err)
		}

		return nil
	})
}

// GetExperiment returns an experiment by id.
func (s *store) GetExperiment(
	ctx context.Context, id string,
) (*Experiment, error) {
	var exp Experiment
	if err := s.db.WithContext(ctx).
		First(&exp, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting experiment: %w", err)
	}

	return &exp, nil
}

// SeedModels inserts or updates model registry entries.
func (s *store) SeedModels(ctx context.Context, models []Model) error {
	for i := range models {
		m := models[i]

		result := s.db.WithContext(ctx).
			Where("id = ?", m.ID).
			Assign(map[string]any{
				"provider":              m.Provider,
				"active":                m.Active,
				"prompt_milli_cents_1m": m.PromptMilliCents1M,
				"output_milli_cents_1m": m.OutputMilliCents1M,
			}).
			FirstOrCreate(&m)
		if result.Error != nil {
			return fmt.Errorf("seeding model %s: %w", m.ID, result.Error)
		}
	}

	return nil
}

// GetModel returns a model registry entry by id.
func (s *store) GetModel(ctx context.Context, id string) (*Model, error) {
	var m Model
	if err := s.db.WithContext(ctx).
		First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting model: %w", err)
	}

	return &m, nil
}

// ListModels returns all model registry entries.
func (s *store) ListModels(ctx context.Context) ([]Model, error) {
	var models []Model
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	return models, nil
}
