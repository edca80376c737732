package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
)

func TestNewTask_Defaults(t *testing.T) {
	task := domain.NewTask("user-1", domain.CategoryFiscal,
		domain.WithTitle("Déclaration 2025"),
		domain.WithRequiredDocuments("avis_imposition", "avis_imposition", ""),
	)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, domain.StateCreated, task.State())
	assert.Equal(t, domain.PriorityLow, task.Priority())
	assert.Zero(t, task.Progress())
	assert.Empty(t, task.ErrorMessage())
	assert.Equal(t, []string{"avis_imposition"}, task.RequiredDocuments)
	assert.Equal(t, []string{"avis_imposition"}, task.MissingDocuments())
	assert.Equal(t, task.CreatedAt, task.UpdatedAt())
}

func TestIsTerminal(t *testing.T) {
	for _, s := range domain.States() {
		t.Run(string(s), func(t *testing.T) {
			want := s == domain.StateCompleted || s == domain.StateCancelled
			if s.IsTerminal() != want {
				t.Errorf("IsTerminal(%q) = %v, want %v", s, s.IsTerminal(), want)
			}
		})
	}
}

func TestParseCategory(t *testing.T) {
	c, err := domain.ParseCategory("mobility")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryMobility, c)

	_, err = domain.ParseCategory("pets")
	var invalid *domain.InvalidCategoryError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "pets", invalid.Value)
}

func TestParseState(t *testing.T) {
	s, err := domain.ParseState("UNDER_REVIEW")
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnderReview, s)

	_, err = domain.ParseState("under_review")
	var invalid *domain.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestPriorityFor(t *testing.T) {
	deadline := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want domain.Priority
	}{
		{"one second before deadline", deadline.Add(-time.Second), domain.PriorityHigh},
		{"one second after deadline", deadline.Add(time.Second), domain.PriorityUrgent},
		{"exactly seven days left", deadline.Add(-7 * 24 * time.Hour), domain.PriorityHigh},
		{"eight days left", deadline.Add(-8 * 24 * time.Hour), domain.PriorityMedium},
		{"thirty days and change", deadline.Add(-30*24*time.Hour - time.Hour), domain.PriorityMedium},
		{"thirty one days left", deadline.Add(-31 * 24 * time.Hour), domain.PriorityLow},
		{"at deadline", deadline, domain.PriorityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.PriorityFor(deadline, tt.now))
		})
	}
}

func TestComputePriority_NoDeadlineIsNoop(t *testing.T) {
	task := domain.NewTask("u", domain.CategoryHealth)
	before := task.UpdatedAt()

	task.ComputePriority(time.Now())

	assert.Equal(t, domain.PriorityLow, task.Priority())
	assert.Equal(t, before, task.UpdatedAt())
}

func TestComputePriority_Deterministic(t *testing.T) {
	deadline := time.Now().Add(3 * 24 * time.Hour)
	task := domain.NewTask("u", domain.CategoryHealth, domain.WithDeadline(deadline))

	task.ComputePriority(deadline.Add(-time.Second))
	assert.Equal(t, domain.PriorityHigh, task.Priority())

	task.ComputePriority(deadline.Add(time.Second))
	assert.Equal(t, domain.PriorityUrgent, task.Priority())
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, domain.PriorityUrgent.Rank(), domain.PriorityHigh.Rank())
	assert.Greater(t, domain.PriorityHigh.Rank(), domain.PriorityMedium.Rank())
	assert.Greater(t, domain.PriorityMedium.Rank(), domain.PriorityLow.Rank())
}

func TestUpdateProgress_Clamps(t *testing.T) {
	task := domain.NewTask("u", domain.CategoryFiscal)

	task.UpdateProgress(-5)
	assert.Zero(t, task.Progress())

	task.UpdateProgress(42.5)
	assert.Equal(t, 42.5, task.Progress())

	task.UpdateProgress(250)
	assert.Equal(t, 100.0, task.Progress())
}

func TestUpdateState_AlwaysAdvancesUpdatedAt(t *testing.T) {
	task := domain.NewTask("u", domain.CategoryFiscal)
	prev := task.UpdatedAt()
	for i := 0; i < 100; i++ {
		task.UpdateState(domain.StatePending)
		require.True(t, task.UpdatedAt().After(prev), "UpdatedAt must strictly increase")
		prev = task.UpdatedAt()
	}
}

func TestSubmitDocuments(t *testing.T) {
	task := domain.NewTask("u", domain.CategoryFiscal,
		domain.WithRequiredDocuments("b", "a"),
		domain.WithSubmittedDocuments("a"),
	)
	assert.Equal(t, []string{"b"}, task.MissingDocuments())

	task.SubmitDocuments("b", "c")
	assert.Empty(t, task.MissingDocuments())
	assert.Equal(t, []string{"a", "b", "c"}, task.SubmittedDocuments())
}

func TestSnapshot_IsACopy(t *testing.T) {
	task := domain.NewTask("u", domain.CategoryFiscal)
	task.SetMeta("fiscal_data", map[string]any{"revenus_annuels": 45000.0})

	snap := task.Snapshot()
	snap.Metadata["extra"] = true

	_, ok := task.Meta("extra")
	assert.False(t, ok, "mutating a snapshot must not leak into the task")
}

func TestTask_MarshalJSON(t *testing.T) {
	task := domain.NewTask("user-9", domain.CategoryMobility, domain.WithTitle("Carte grise"))
	raw, err := json.Marshal(task)
	require.NoError(t, err)

	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, task.ID, snap.ID)
	assert.Equal(t, domain.StateCreated, snap.State)
	assert.Equal(t, domain.CategoryMobility, snap.Category)
	assert.Equal(t, "Carte grise", snap.Title)
}
