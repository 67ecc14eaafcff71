package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nv262-lab/vaa-research/internal/config"
	"github.com/nv262-lab/vaa-research/internal/ledger"
	"github.com/nv262-lab/vaa-research/internal/ledger/sqlstore"
	"github.com/nv262-lab/vaa-research/pkg/types"
)

const policyPath = "../../policies/vaa.yaml"

func TestEngineEndToEnd(t *testing.T) {
	for _, db := range []config.DBConfig{
		{},
		{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "vaa.db")},
	} {
		t.Run("driver="+db.Driver, func(t *testing.T) {
			ctx := context.Background()
			cfg := config.Default()
			cfg.PolicyPath = policyPath
			cfg.DB = db

			e, err := New(ctx, cfg, nil, "test")
			require.NoError(t, err)
			defer e.Close(ctx)

			for _, v := range []float64{0.88, 0.72, 0.50} {
				_, err := e.Evaluator.Evaluate(ctx, types.DecisionCandidate{
					SubjectID:   "sku-1",
					MetricKind:  "forecast_confidence",
					MetricValue: v,
					Context:     map[string]any{"forecast_error_rate": 0.12},
				})
				require.NoError(t, err)
			}

			records, err := e.Store.Query(ctx, ledger.Query{})
			require.NoError(t, err)
			require.Len(t, records, 3)
			require.NoError(t, ledger.VerifyChain(records))
			assert.Equal(t, e.Policy.Hash, records[0].PolicyHash)

			pv, ok := e.Store.GetPolicyVersion(ctx, e.Policy.Hash)
			require.True(t, ok)
			assert.Equal(t, e.Policy.Document.PolicyID, pv.PolicyID)

			report, err := e.Auditor.Audit(ctx, types.TimeRange{})
			require.NoError(t, err)
			assert.Equal(t, 3, report.Total)
			assert.Equal(t, 0.33, report.EscalationRate)

			sig, err := e.Monitor.Check(ctx, "forecast_confidence", types.TimeRange{})
			require.NoError(t, err)
			assert.True(t, sig.LowConfidence)
		})
	}
}

func TestOpenStoreMigratesSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, config.DBConfig{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "vaa.db")})
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.(*sqlstore.Store)
	assert.True(t, ok)
	n, err := store.Count(ctx, ledger.Query{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.DBConfig{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestNewFailsOnMissingPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.PolicyPath = "does-not-exist.yaml"
	_, err := New(context.Background(), cfg, nil, "")
	assert.Error(t, err)
}
