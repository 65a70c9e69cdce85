package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/markm8/grading-api/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Student{},
		&models.Essay{},
		&models.Grade{},
		&models.GradeFailure{},
		&models.CreditAccount{},
		&models.CreditTransaction{},
	))

	return db
}

func seedEssay(t *testing.T, db *gorm.DB) models.Essay {
	t.Helper()

	student := models.Student{Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, db.Create(&student).Error)

	essay := models.Essay{
		StudentID: student.ID,
		Title:     "On Steam Engines",
		Content:   "Essay content.",
		Rubric:    "Thesis, evidence.",
	}
	require.NoError(t, db.Create(&essay).Error)
	return essay
}

func TestGradeRepositoryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewGradeRepository(db)
	ctx := context.Background()

	essay := seedEssay(t, db)

	grade := models.Grade{
		EssayID:         essay.ID,
		Status:          models.GradeStatusQueued,
		SynthesisStatus: models.SynthesisStatusPending,
		CostCredits:     "1.00",
	}
	require.NoError(t, repo.Create(ctx, &grade))
	require.NotZero(t, grade.ID)

	loaded, err := repo.GetByID(ctx, grade.ID)
	require.NoError(t, err)
	require.Equal(t, models.GradeStatusQueued, loaded.Status)
	require.Equal(t, essay.ID, loaded.Essay.ID)

	loaded.Status = models.GradeStatusProcessing
	require.NoError(t, repo.Update(ctx, &loaded))

	grades, err := repo.ListByEssay(ctx, essay.ID)
	require.NoError(t, err)
	require.Len(t, grades, 1)
	require.Equal(t, models.GradeStatusProcessing, grades[0].Status)
}

// A lifecycle Update always works from the grade loaded at cycle start, while
// runs merge their progress concurrently. The stale copy must not drag the
// merged entries back to pending.
func TestUpdatePreservesMergedRunProgress(t *testing.T) {
	db := openTestDB(t)
	repo := NewGradeRepository(db)
	ctx := context.Background()

	essay := seedEssay(t, db)
	grade := models.Grade{
		EssayID:         essay.ID,
		Status:          models.GradeStatusProcessing,
		SynthesisStatus: models.SynthesisStatusPending,
		RunProgress: datatypes.JSONMap{
			"0": models.RunProgressPending,
			"1": models.RunProgressPending,
		},
	}
	require.NoError(t, repo.Create(ctx, &grade))

	stale, err := repo.GetByID(ctx, grade.ID)
	require.NoError(t, err)

	require.NoError(t, repo.MergeRunProgress(ctx, grade.ID, 0, models.RunProgressComplete))
	require.NoError(t, repo.MergeRunProgress(ctx, grade.ID, 1, models.RunProgressComplete))

	stale.Status = models.GradeStatusComplete
	require.NoError(t, repo.Update(ctx, &stale))

	loaded, err := repo.GetByID(ctx, grade.ID)
	require.NoError(t, err)
	require.Equal(t, models.GradeStatusComplete, loaded.Status)
	require.Equal(t, models.RunProgressComplete, loaded.RunProgress["0"])
	require.Equal(t, models.RunProgressComplete, loaded.RunProgress["1"])
}

func TestUpdatePreservesSettlementMarker(t *testing.T) {
	db := openTestDB(t)
	repo := NewGradeRepository(db)
	ctx := context.Background()

	essay := seedEssay(t, db)
	grade := models.Grade{EssayID: essay.ID, Status: models.GradeStatusProcessing, SynthesisStatus: models.SynthesisStatusPending}
	require.NoError(t, repo.Create(ctx, &grade))

	stale, err := repo.GetByID(ctx, grade.ID)
	require.NoError(t, err)

	won, err := repo.MarkSettled(ctx, grade.ID)
	require.NoError(t, err)
	require.True(t, won)

	stale.Status = models.GradeStatusFailed
	require.NoError(t, repo.Update(ctx, &stale))

	loaded, err := repo.GetByID(ctx, grade.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.SettledAt)
}

func TestMarkSettledWinsExactlyOnce(t *testing.T) {
	db := openTestDB(t)
	repo := NewGradeRepository(db)
	ctx := context.Background()

	essay := seedEssay(t, db)
	grade := models.Grade{EssayID: essay.ID, Status: models.GradeStatusComplete, SynthesisStatus: models.SynthesisStatusComplete}
	require.NoError(t, repo.Create(ctx, &grade))

	won, err := repo.MarkSettled(ctx, grade.ID)
	require.NoError(t, err)
	require.True(t, won)

	won, err = repo.MarkSettled(ctx, grade.ID)
	require.NoError(t, err)
	require.False(t, won)

	loaded, err := repo.GetByID(ctx, grade.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.SettledAt)
}

func TestSaveFailureKeepsDiagnostics(t *testing.T) {
	db := openTestDB(t)
	repo := NewGradeRepository(db)
	ctx := context.Background()

	essay := seedEssay(t, db)
	grade := models.Grade{EssayID: essay.ID, Status: models.GradeStatusFailed, SynthesisStatus: models.SynthesisStatusSkipped}
	require.NoError(t, repo.Create(ctx, &grade))

	require.NoError(t, repo.SaveFailure(ctx, &models.GradeFailure{
		GradeID:    grade.ID,
		Stage:      "aggregation",
		Diagnostic: "provider returned 503 for every run",
	}))

	var failures []models.GradeFailure
	require.NoError(t, db.Where("grade_id = ?", grade.ID).Find(&failures).Error)
	require.Len(t, failures, 1)
	require.Equal(t, "aggregation", failures[0].Stage)
}

func TestEssayRepositoryLockToggle(t *testing.T) {
	db := openTestDB(t)
	repo := NewEssayRepository(db)
	ctx := context.Background()

	essay := seedEssay(t, db)

	require.NoError(t, repo.SetLock(ctx, essay.ID, true))
	loaded, err := repo.GetByID(ctx, essay.ID)
	require.NoError(t, err)
	require.True(t, loaded.IsLocked())
	require.Equal(t, "Ada", loaded.Student.Name)

	require.NoError(t, repo.SetLock(ctx, essay.ID, false))
	loaded, err = repo.GetByID(ctx, essay.ID)
	require.NoError(t, err)
	require.False(t, loaded.IsLocked())
}
