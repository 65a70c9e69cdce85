package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/markm8/grading-api/internal/config"
	"github.com/markm8/grading-api/internal/dto"
	"github.com/markm8/grading-api/internal/models"
	"github.com/markm8/grading-api/internal/observability"
	"github.com/markm8/grading-api/internal/repository"
	"github.com/markm8/grading-api/pkg/ai"
)

// ErrEssayNotFound indicates the essay was not located.
var ErrEssayNotFound = errors.New("essay not found")

// ErrEssayForbidden indicates the caller does not own the essay.
var ErrEssayForbidden = errors.New("forbidden")

// ErrEssayLocked indicates a grade is already in flight for the essay.
var ErrEssayLocked = errors.New("essay is locked by an active grading cycle")

// ErrGradeNotFound indicates the grade was not located.
var ErrGradeNotFound = errors.New("grade not found")

// ErrConfigInvalid indicates the grading configuration failed hard
// validation. Raised before any credits are reserved or model called.
var ErrConfigInvalid = errors.New("grading configuration invalid")

const gradeQueueSize = 64

// GradingService owns the grade lifecycle: it reserves credits, fans the
// configured runs out to the executor, reconciles the outcomes, resolves the
// feedback and settles the ledger exactly once per grade.
type GradingService interface {
	Submit(ctx context.Context, essayID, studentID uint) (dto.GradeResponse, error)
	Get(ctx context.Context, gradeID, viewerID uint) (dto.GradeResponse, error)
	ListByEssay(ctx context.Context, essayID, viewerID uint) ([]dto.GradeResponse, error)
	ProcessGrade(ctx context.Context, gradeID uint) error
	Start(ctx context.Context)
}

type gradingService struct {
	grades    repository.GradeRepository
	essays    repository.EssayRepository
	catalog   repository.CatalogRepository
	credits   CreditService
	executor  *RunExecutor
	synthesis *SynthesisStage
	broker    *ProgressBroker
	grading   config.GradingConfig
	synthCfg  config.SynthesisConfig
	logger    zerolog.Logger
	tracer    trace.Tracer
	queue     chan uint
	now       func() time.Time
}

// NewGradingService constructs the lifecycle controller. The grading and
// synthesis configs are captured per service instance and re-validated on
// every submission; no process-wide mutable settings are consulted.
func NewGradingService(
	grades repository.GradeRepository,
	essays repository.EssayRepository,
	catalog repository.CatalogRepository,
	credits CreditService,
	executor *RunExecutor,
	synthesis *SynthesisStage,
	broker *ProgressBroker,
	grading config.GradingConfig,
	synthCfg config.SynthesisConfig,
	logger zerolog.Logger,
) GradingService {
	return &gradingService{
		grades:    grades,
		essays:    essays,
		catalog:   catalog,
		credits:   credits,
		executor:  executor,
		synthesis: synthesis,
		broker:    broker,
		grading:   grading,
		synthCfg:  synthCfg,
		logger:    logger.With().Str("component", "grading_service").Logger(),
		tracer:    otel.Tracer("github.com/markm8/grading-api/internal/service/grading"),
		queue:     make(chan uint, gradeQueueSize),
		now:       time.Now,
	}
}

// Start consumes the grade queue until ctx is done. Each grade is processed
// with a detached context so an HTTP request timeout cannot abort a cycle
// mid-settlement.
func (s *gradingService) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case gradeID := <-s.queue:
				if err := s.ProcessGrade(context.Background(), gradeID); err != nil {
					s.logger.Error().Err(err).Uint("grade_id", gradeID).Msg("grading cycle failed")
				}
			}
		}
	}()
}

// Submit validates the configuration, reserves credits and enqueues a new
// grade in the queued state. Validation and reservation both fail fast,
// before any model is called.
func (s *gradingService) Submit(ctx context.Context, essayID, studentID uint) (dto.GradeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.submit", trace.WithAttributes(
		attribute.Int64("essay_id", int64(essayID)),
	))
	defer span.End()

	if err := s.grading.Validate(); err != nil {
		span.SetStatus(codes.Error, "config_invalid")
		return dto.GradeResponse{}, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := s.synthCfg.Validate(); err != nil {
		span.SetStatus(codes.Error, "config_invalid")
		return dto.GradeResponse{}, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := s.checkCatalog(ctx); err != nil {
		span.SetStatus(codes.Error, "config_invalid")
		return dto.GradeResponse{}, err
	}

	essay, err := s.essays.GetByID(ctx, essayID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradeResponse{}, ErrEssayNotFound
		}
		return dto.GradeResponse{}, err
	}
	if essay.StudentID != studentID {
		return dto.GradeResponse{}, ErrEssayForbidden
	}
	if essay.IsLocked() {
		return dto.GradeResponse{}, ErrEssayLocked
	}

	if _, err := s.credits.EnsureAccount(ctx, studentID); err != nil {
		return dto.GradeResponse{}, err
	}
	if err := s.credits.Reserve(ctx, studentID, s.grading.CreditCost); err != nil {
		span.SetStatus(codes.Error, "reservation_failed")
		return dto.GradeResponse{}, err
	}

	progress := datatypes.JSONMap{}
	for i := range s.grading.Runs {
		progress[runProgressMapKey(i)] = models.RunProgressPending
	}

	grade := models.Grade{
		EssayID:         essay.ID,
		Status:          models.GradeStatusQueued,
		RunProgress:     progress,
		SynthesisStatus: models.SynthesisStatusPending,
		CostCredits:     s.grading.CreditCost,
		QueuedAt:        s.now().UTC(),
	}
	if err := s.grades.Create(ctx, &grade); err != nil {
		// The reservation must not leak when the grade row cannot be created.
		if releaseErr := s.credits.ReleaseReservation(ctx, studentID, s.grading.CreditCost); releaseErr != nil {
			s.logger.Error().Err(releaseErr).Uint("student_id", studentID).
				Msg("failed to release reservation after grade creation failure")
		}
		return dto.GradeResponse{}, err
	}

	if err := s.essays.SetLock(ctx, essay.ID, true); err != nil {
		s.logger.Warn().Err(err).Uint("essay_id", essay.ID).Msg("failed to lock essay")
	}

	select {
	case s.queue <- grade.ID:
	default:
		s.logger.Warn().Uint("grade_id", grade.ID).Msg("grade queue full, processing inline")
		go func() {
			if err := s.ProcessGrade(context.Background(), grade.ID); err != nil {
				s.logger.Error().Err(err).Uint("grade_id", grade.ID).Msg("grading cycle failed")
			}
		}()
	}

	span.SetAttributes(attribute.Int64("grade_id", int64(grade.ID)))
	return dto.NewGradeResponse(grade), nil
}

// Get returns a grade only to the student who owns its essay.
func (s *gradingService) Get(ctx context.Context, gradeID, viewerID uint) (dto.GradeResponse, error) {
	grade, err := s.grades.GetByID(ctx, gradeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradeResponse{}, ErrGradeNotFound
		}
		return dto.GradeResponse{}, err
	}
	if grade.Essay.StudentID != viewerID {
		return dto.GradeResponse{}, ErrEssayForbidden
	}
	return dto.NewGradeResponse(grade), nil
}

func (s *gradingService) ListByEssay(ctx context.Context, essayID, viewerID uint) ([]dto.GradeResponse, error) {
	essay, err := s.essays.GetByID(ctx, essayID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEssayNotFound
		}
		return nil, err
	}
	if essay.StudentID != viewerID {
		return nil, ErrEssayForbidden
	}

	grades, err := s.grades.ListByEssay(ctx, essayID)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.GradeResponse, 0, len(grades))
	for _, grade := range grades {
		responses = append(responses, dto.NewGradeResponse(grade))
	}
	return responses, nil
}

// ProcessGrade drives one grading cycle to a terminal state. Safe to invoke
// again for an already-terminal grade: it returns without touching the
// ledger a second time.
func (s *gradingService) ProcessGrade(ctx context.Context, gradeID uint) error {
	ctx, span := s.tracer.Start(ctx, "grading.process", trace.WithAttributes(
		attribute.Int64("grade_id", int64(gradeID)),
	))
	defer span.End()

	grade, err := s.grades.GetByID(ctx, gradeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrGradeNotFound
		}
		return err
	}
	if grade.IsTerminal() {
		span.SetAttributes(attribute.Bool("grading.already_terminal", true))
		return nil
	}

	essay := grade.Essay

	startedAt := s.now().UTC()
	grade.Status = models.GradeStatusProcessing
	grade.StartedAt = &startedAt
	if err := s.grades.Update(ctx, &grade); err != nil {
		return err
	}
	s.publishProgress(ctx, grade)

	outcomes := s.fanOut(ctx, grade, essay)

	// MergeRunProgress persisted the per-run states as they landed; align the
	// in-memory copy so terminal publishes carry them instead of the stale
	// all-pending snapshot loaded at cycle start.
	progress := datatypes.JSONMap{}
	for _, outcome := range outcomes {
		status := models.RunProgressComplete
		if !outcome.Success {
			status = models.RunProgressFailed
		}
		progress[runProgressMapKey(outcome.RunIndex)] = status
	}
	grade.RunProgress = progress

	aggregation, aggErr := AggregateRuns(outcomes, s.grading.OutlierThresholdPercent)
	if err := grade.SetModelResults(aggregation.Results); err != nil {
		s.logger.Error().Err(err).Uint("grade_id", grade.ID).Msg("failed to encode model results")
	}

	if aggErr != nil {
		span.SetStatus(codes.Error, "aggregation_empty")
		return s.failGrade(ctx, &grade, essay,
			"grading could not establish a consistent score; credits were not charged",
			"aggregation", fmt.Sprintf("aggregation empty: %d outcomes, threshold %.1f%%: %v",
				len(outcomes), s.grading.OutlierThresholdPercent, describeOutcomes(outcomes)))
	}

	included := make([]RunOutcome, 0, len(outcomes))
	for i, result := range aggregation.Results {
		if result.Included {
			included = append(included, outcomes[i])
		}
	}

	grade.SynthesisStatus = models.SynthesisStatusProcessing
	if err := s.grades.Update(ctx, &grade); err != nil {
		s.logger.Warn().Err(err).Uint("grade_id", grade.ID).Msg("failed to persist synthesis status")
	}
	s.publishProgress(ctx, grade)

	synthesisResult, err := s.synthesis.Resolve(ctx, s.synthCfg, essay, included)
	if err != nil {
		span.SetStatus(codes.Error, "synthesis_unresolvable")
		return s.failGrade(ctx, &grade, essay,
			"grading failed while preparing feedback; credits were not charged",
			"synthesis", err.Error())
	}

	var promptTokens, completionTokens int64
	for _, outcome := range outcomes {
		promptTokens += outcome.PromptTokens
		completionTokens += outcome.CompletionTokens
	}
	promptTokens += synthesisResult.PromptTokens
	completionTokens += synthesisResult.CompletionTokens

	completedAt := s.now().UTC()
	lower, upper := aggregation.Lower, aggregation.Upper
	grade.Status = models.GradeStatusComplete
	grade.PercentageLower = &lower
	grade.PercentageUpper = &upper
	grade.Feedback = synthesisResult.Feedback
	grade.CategoryScores = averageCategoryScores(included)
	grade.SynthesisStatus = synthesisResult.Status
	grade.Synthesized = synthesisResult.Synthesized
	grade.PromptTokens = promptTokens
	grade.CompletionTokens = completionTokens
	grade.CompletedAt = &completedAt

	if err := s.grades.Update(ctx, &grade); err != nil {
		return err
	}

	s.settle(ctx, grade, essay.StudentID, true)
	s.unlockEssay(ctx, essay.ID)
	s.publishProgress(ctx, grade)
	observability.GradeCycles().WithLabelValues(models.GradeStatusComplete).Inc()

	span.SetAttributes(
		attribute.Float64("grade.lower", lower),
		attribute.Float64("grade.upper", upper),
		attribute.Bool("grade.synthesized", grade.Synthesized),
	)
	return nil
}

// fanOut dispatches every configured run concurrently and joins on all of
// them. Individual failures are absorbed into the outcome slice; a completed
// run is never discarded because a sibling failed.
func (s *gradingService) fanOut(ctx context.Context, grade models.Grade, essay models.Essay) []RunOutcome {
	input := ai.GradeInput{
		EssayTitle:      essay.Title,
		EssayContent:    essay.Content,
		AssignmentBrief: essay.AssignmentBrief,
		Rubric:          essay.Rubric,
		Temperature:     s.grading.Temperature,
		MaxTokens:       s.grading.MaxTokens,
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if s.grading.RequestTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.grading.RequestTimeout)
		defer cancel()
	}

	runs := s.resolveRuns(ctx)

	outcomes := make([]RunOutcome, len(runs))
	progress := map[string]string{}
	var progressMu sync.Mutex
	for i := range runs {
		progress[runProgressMapKey(i)] = models.RunProgressPending
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	for i, spec := range runs {
		group.Go(func() error {
			outcome := s.executor.Execute(groupCtx, i, spec, input, s.grading.Retry)
			outcomes[i] = outcome

			status := models.RunProgressComplete
			if !outcome.Success {
				status = models.RunProgressFailed
			}

			if err := s.grades.MergeRunProgress(ctx, grade.ID, i, status); err != nil {
				s.logger.Warn().Err(err).Uint("grade_id", grade.ID).Int("run_index", i).
					Msg("failed to persist run progress")
			}

			progressMu.Lock()
			progress[runProgressMapKey(i)] = status
			snapshot := make(map[string]string, len(progress))
			for k, v := range progress {
				snapshot[k] = v
			}
			progressMu.Unlock()

			s.broker.Publish(ctx, GradeProgressEvent{
				GradeID:         grade.ID,
				Status:          models.GradeStatusProcessing,
				RunProgress:     snapshot,
				SynthesisStatus: grade.SynthesisStatus,
			})
			return nil
		})
	}
	_ = group.Wait()

	return outcomes
}

// resolveRuns fills in catalog default efforts for runs that left reasoning
// effort unset. checkCatalog already vetted the configuration at submission,
// so a lookup failure here simply leaves the run as configured.
func (s *gradingService) resolveRuns(ctx context.Context) []config.RunSpec {
	runs := make([]config.RunSpec, len(s.grading.Runs))
	copy(runs, s.grading.Runs)
	if s.catalog == nil {
		return runs
	}

	for i := range runs {
		if runs[i].ReasoningEffort != "" {
			continue
		}
		entry, err := s.catalog.GetByModelID(ctx, runs[i].Model)
		if err != nil {
			continue
		}
		if entry.ReasoningSupported && entry.DefaultEffort != "" {
			runs[i].ReasoningEffort = entry.DefaultEffort
		}
	}
	return runs
}

// failGrade transitions the grade to its failed terminal state. The user
// sees only the sanitized message; the raw diagnostic is written to the
// internal failure record keyed by grade id.
func (s *gradingService) failGrade(ctx context.Context, grade *models.Grade, essay models.Essay, userMessage, stage, diagnostic string) error {
	completedAt := s.now().UTC()
	grade.Status = models.GradeStatusFailed
	grade.ErrorMessage = userMessage
	grade.SynthesisStatus = models.SynthesisStatusSkipped
	grade.CompletedAt = &completedAt

	if err := s.grades.Update(ctx, grade); err != nil {
		return err
	}

	if err := s.grades.SaveFailure(ctx, &models.GradeFailure{
		GradeID:    grade.ID,
		Stage:      stage,
		Diagnostic: diagnostic,
	}); err != nil {
		s.logger.Error().Err(err).Uint("grade_id", grade.ID).Msg("failed to persist failure record")
	}

	s.settle(ctx, *grade, essay.StudentID, false)
	s.unlockEssay(ctx, essay.ID)
	s.publishProgress(ctx, *grade)
	observability.GradeCycles().WithLabelValues(models.GradeStatusFailed).Inc()

	s.logger.Warn().Uint("grade_id", grade.ID).Str("stage", stage).Msg("grade failed")
	return nil
}

// settle converts or releases the reservation exactly once per grade. The
// repository-level settled_at guard is the idempotency key: only the winning
// invocation touches the credit account. The ledger step is retried because
// a settlement failure must never be dropped silently.
func (s *gradingService) settle(ctx context.Context, grade models.Grade, studentID uint, charge bool) {
	var won bool
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		won, err = s.grades.MarkSettled(ctx, grade.ID)
		if err == nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	if err != nil {
		s.logger.Error().Err(err).Uint("grade_id", grade.ID).Msg("settlement marker failed")
		return
	}
	if !won {
		return
	}

	for attempt := 0; attempt < 3; attempt++ {
		if charge {
			err = s.credits.SettleCharge(ctx, studentID, grade.CostCredits, grade.ID)
		} else {
			err = s.credits.ReleaseReservation(ctx, studentID, grade.CostCredits)
		}
		if err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}

	observability.SettlementFailures().Inc()
	s.logger.Error().Err(err).Uint("grade_id", grade.ID).Bool("charge", charge).
		Msg("ledger settlement failed after retries")
	if saveErr := s.grades.SaveFailure(ctx, &models.GradeFailure{
		GradeID:    grade.ID,
		Stage:      "settlement",
		Diagnostic: err.Error(),
	}); saveErr != nil {
		s.logger.Error().Err(saveErr).Uint("grade_id", grade.ID).Msg("failed to persist settlement failure")
	}
}

func (s *gradingService) unlockEssay(ctx context.Context, essayID uint) {
	if err := s.essays.SetLock(ctx, essayID, false); err != nil {
		s.logger.Warn().Err(err).Uint("essay_id", essayID).Msg("failed to unlock essay")
	}
}

func (s *gradingService) publishProgress(ctx context.Context, grade models.Grade) {
	snapshot := make(map[string]string, len(grade.RunProgress))
	for key, value := range grade.RunProgress {
		if status, ok := value.(string); ok {
			snapshot[key] = status
		}
	}

	s.broker.Publish(ctx, GradeProgressEvent{
		GradeID:         grade.ID,
		Status:          grade.Status,
		RunProgress:     snapshot,
		SynthesisStatus: grade.SynthesisStatus,
	})
}

// checkCatalog honours the model catalog contract: a model that requires
// reasoning effort rejects configurations omitting it unless the catalog
// carries a default effort to fall back on, and effort cannot be sent to a
// model that does not support it. Models unknown to the catalog pass through
// untouched.
func (s *gradingService) checkCatalog(ctx context.Context) error {
	if s.catalog == nil {
		return nil
	}

	for i, run := range s.grading.Runs {
		entry, err := s.catalog.GetByModelID(ctx, run.Model)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return err
		}

		if !entry.Active {
			return fmt.Errorf("%w: model %q is not active in the catalog", ErrConfigInvalid, run.Model)
		}
		if entry.ReasoningRequired && run.ReasoningEffort == "" && entry.DefaultEffort == "" {
			return fmt.Errorf("%w: model %q requires a reasoning effort for run %d", ErrConfigInvalid, run.Model, i)
		}
		if run.ReasoningEffort != "" && !entry.ReasoningSupported {
			return fmt.Errorf("%w: model %q does not support reasoning effort", ErrConfigInvalid, run.Model)
		}
	}

	return nil
}

func averageCategoryScores(included []RunOutcome) datatypes.JSONMap {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, outcome := range included {
		for category, score := range outcome.CategoryScores {
			sums[category] += score
			counts[category]++
		}
	}

	if len(sums) == 0 {
		return nil
	}

	averaged := datatypes.JSONMap{}
	for category, sum := range sums {
		averaged[category] = roundScore(sum / float64(counts[category]))
	}
	return averaged
}

func describeOutcomes(outcomes []RunOutcome) string {
	parts := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.Success {
			parts = append(parts, fmt.Sprintf("%s=%.1f", outcome.Model, outcome.Percentage))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%s(%s)", outcome.Model, outcome.FailureKind, outcome.FailureMessage))
		}
	}
	return fmt.Sprintf("%v", parts)
}

func runProgressMapKey(runIndex int) string {
	return fmt.Sprintf("%d", runIndex)
}
