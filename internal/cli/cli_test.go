package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

func newTestCLI(t *testing.T) (*CLI, *bytes.Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &domain.Config{
		Storage: domain.StorageConfig{
			Driver:     domain.StorageSQLite,
			DataDir:    dir,
			SQLitePath: filepath.Join(dir, "db", "riona.db"),
			ModelStore: domain.ModelStoreSQL,
		},
		Calibration: domain.CalibrationConfig{MinSamples: 11, Alpha: 10},
	}
	logger, _ := test.NewNullLogger()
	var out bytes.Buffer
	return New(cfg, logger, &out), &out, dir
}

func TestRun_Help(t *testing.T) {
	c, out, _ := newTestCLI(t)

	require.NoError(t, c.Run(context.Background(), nil))
	assert.Contains(t, out.String(), "import-baselines <file>")

	out.Reset()
	err := c.Run(context.Background(), []string{"frobnicate"})
	require.Error(t, err)
	assert.Contains(t, out.String(), "Unknown command: frobnicate")
}

func TestRun_Template(t *testing.T) {
	c, out, dir := newTestCLI(t)
	ctx := context.Background()

	require.NoError(t, c.Run(ctx, []string{"template", "baseline"}))
	assert.True(t, strings.HasPrefix(out.String(), "external_id,note,hb0"))

	path := filepath.Join(dir, "followups.csv")
	require.NoError(t, c.Run(ctx, []string{"template", "followup", path}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "identifier,horizon_weeks,hb,fe,ferritin,tibc,tsat\n", string(data))

	err = c.Run(ctx, []string{"template", "other"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestRun_ImportAndExport(t *testing.T) {
	c, out, dir := newTestCLI(t)
	ctx := context.Background()

	baselines := filepath.Join(dir, "baselines.csv")
	require.NoError(t, os.WriteFile(baselines, []byte(
		"external_id,note,hb0,fe0,ferritin0,tibc0,tsat0,dose_mg_day,adherence,bleed,inflam\n"+
			"P-1,,10,50,20,300,,,,,\n"+
			"P-2,,9,40,15,320,,1000,0.8,,\n"), 0644))
	require.NoError(t, c.Run(ctx, []string{"import-baselines", baselines}))
	assert.Contains(t, out.String(), `"imported": 2`)

	followups := filepath.Join(dir, "followups.csv")
	require.NoError(t, os.WriteFile(followups, []byte(
		"identifier,horizon_weeks,hb,fe,ferritin,tibc,tsat\n"+
			"P-1,12,11,70,40,290,\n"), 0644))
	out.Reset()
	require.NoError(t, c.Run(ctx, []string{"import-followups", followups}))
	assert.Contains(t, out.String(), `"imported": 1`)

	out.Reset()
	require.NoError(t, c.Run(ctx, []string{"counts"}))
	assert.Contains(t, out.String(), `"cases": 2`)
	assert.Contains(t, out.String(), `"followups_12w": 1`)

	out.Reset()
	require.NoError(t, c.Run(ctx, []string{"status"}))
	assert.Contains(t, out.String(), "12w: none")
	assert.Contains(t, out.String(), "Cases: 2")

	workbook := filepath.Join(dir, "export.xlsx")
	require.NoError(t, c.Run(ctx, []string{"export", workbook}))
	f, err := excelize.OpenFile(workbook)
	require.NoError(t, err)
	defer f.Close()
	assert.NotEmpty(t, f.GetSheetList())
}

func TestRun_Train(t *testing.T) {
	c, out, _ := newTestCLI(t)
	ctx := context.Background()

	require.NoError(t, c.Run(ctx, []string{"train", "12"}))
	assert.Contains(t, out.String(), `"status": "skipped"`)

	err := c.Run(ctx, []string{"train", "18"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	assert.Error(t, c.Run(ctx, []string{"train"}))
}

func TestRun_MigrateRequiresPostgres(t *testing.T) {
	c, _, _ := newTestCLI(t)
	assert.Error(t, c.Run(context.Background(), []string{"migrate", "up"}))
}
