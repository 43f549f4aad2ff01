package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckit/automation-core/pkg/model"
)

func TestRegister_AllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	// Double registration is an error, proving the collectors landed.
	assert.Error(t, Register(reg))
}

func TestPipelineObserver_IncrementsCounters(t *testing.T) {
	obs := PipelineObserver{}

	before := testutil.ToFloat64(StageTransitionsTotal.WithLabelValues("plan", "passed"))
	obs.StageTransition(model.StagePlan, "passed")
	after := testutil.ToFloat64(StageTransitionsTotal.WithLabelValues("plan", "passed"))
	assert.Equal(t, before+1, after)

	before = testutil.ToFloat64(QualityGateResolutionsTotal.WithLabelValues("before-specify", "auto_apply"))
	obs.QualityResolution(model.CheckpointBeforeSpecify, model.ResolutionAutoApply)
	after = testutil.ToFloat64(QualityGateResolutionsTotal.WithLabelValues("before-specify", "auto_apply"))
	assert.Equal(t, before+1, after)

	before = testutil.ToFloat64(DegradedStagesTotal.WithLabelValues("validate"))
	obs.DegradedStage(model.StageValidate)
	after = testutil.ToFloat64(DegradedStagesTotal.WithLabelValues("validate"))
	assert.Equal(t, before+1, after)
}
