package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/aegis/pkg/models"
)

func TestPolicyGuardrailPassesSafePlan(t *testing.T) {
	g := DefaultPolicyGuardrail()
	plan := json.RawMessage(`{"summary":"restart","actions":[{"kind":"restart_service","params":{"service":"checkout"},"rollbackable":true}]}`)

	res, err := g.Check(context.Background(), models.RoleResolution, plan)
	require.NoError(t, err)
	assert.Equal(t, models.GuardrailPass, res.Verdict)
}

func TestPolicyGuardrailBlocksForbiddenKind(t *testing.T) {
	g := DefaultPolicyGuardrail()
	plan := json.RawMessage(`{"actions":[{"kind":"DROP_TABLE","params":{"table":"orders"}}]}`)

	res, err := g.Check(context.Background(), models.RoleResolution, plan)
	require.NoError(t, err)
	assert.Equal(t, models.GuardrailBlock, res.Verdict)
	assert.Contains(t, res.Reason, "DROP_TABLE")
}

func TestPolicyGuardrailBlocksOversizedPlan(t *testing.T) {
	g := &PolicyGuardrail{MaxPlanActions: 2}
	plan := json.RawMessage(`{"actions":[{"kind":"a"},{"kind":"b"},{"kind":"c"}]}`)

	res, err := g.Check(context.Background(), models.RoleResolution, plan)
	require.NoError(t, err)
	assert.Equal(t, models.GuardrailBlock, res.Verdict)
}

func TestPolicyGuardrailBlocksUnparseablePlan(t *testing.T) {
	g := DefaultPolicyGuardrail()
	res, err := g.Check(context.Background(), models.RoleResolution, json.RawMessage(`"just a string"`))
	require.NoError(t, err)
	assert.Equal(t, models.GuardrailBlock, res.Verdict)
}

func TestPolicyGuardrailIgnoresNonResolutionRoles(t *testing.T) {
	g := DefaultPolicyGuardrail()
	res, err := g.Check(context.Background(), models.RoleDiagnosis, json.RawMessage(`{"root_cause":"drop_table mention"}`))
	require.NoError(t, err)
	assert.Equal(t, models.GuardrailPass, res.Verdict)
}
