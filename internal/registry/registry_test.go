package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
)

func testManifests() Snapshot {
	return Snapshot{Tools: []domain.CapabilityManifest{
		{Tool: "fs.read_file", RequiredCapabilities: []string{"fs.read"}, RiskLevel: domain.RiskLow},
		{Tool: "shell.exec", RequiredCapabilities: []string{"process.spawn"}, RiskLevel: domain.RiskHigh, RequiresApproval: true},
	}}
}

func TestLookup(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Import(testManifests()))

	m, err := r.Lookup("shell.exec")
	require.NoError(t, err)
	assert.True(t, m.RequiresApproval)
	assert.Equal(t, domain.RiskHigh, m.RiskLevel)

	_, err = r.Lookup("unknown.tool")
	assert.ErrorIs(t, err, domain.ErrUnknownTool)
}

func TestImportRejectsMalformedWholesale(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Import(testManifests()))

	bad := Snapshot{Tools: []domain.CapabilityManifest{
		{Tool: "good.tool", RiskLevel: domain.RiskLow},
		{Tool: "", RiskLevel: domain.RiskLow},
	}}
	require.Error(t, r.Import(bad))

	// Частичных обновлений нет: старый снапшот жив, новый не просочился
	_, err := r.Lookup("shell.exec")
	assert.NoError(t, err)
	_, err = r.Lookup("good.tool")
	assert.ErrorIs(t, err, domain.ErrUnknownTool)
}

func TestImportRejectsInvalidRiskAndDuplicates(t *testing.T) {
	r := New(zap.NewNop())

	assert.Error(t, r.Import(Snapshot{Tools: []domain.CapabilityManifest{
		{Tool: "a", RiskLevel: "critical"},
	}}))
	assert.Error(t, r.Import(Snapshot{Tools: []domain.CapabilityManifest{
		{Tool: "a", RiskLevel: domain.RiskLow},
		{Tool: "a", RiskLevel: domain.RiskLow},
	}}))
}

func TestExportImportRoundTrip(t *testing.T) {
	r := New(zap.NewNop())
	require.NoError(t, r.Import(testManifests()))

	r2 := New(zap.NewNop())
	require.NoError(t, r2.Import(r.Export()))

	assert.Equal(t, r.Len(), r2.Len())
	for _, name := range []string{"fs.read_file", "shell.exec"} {
		want, err := r.Lookup(name)
		require.NoError(t, err)
		got, err := r2.Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifests.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  - name: db.query
    required_capabilities: [net.outbound]
    risk_level: high
    requires_approval: true
`), 0o644))

	r := New(zap.NewNop())
	require.NoError(t, r.LoadFile(path))

	m, err := r.Lookup("db.query")
	require.NoError(t, err)
	assert.Equal(t, []string{"net.outbound"}, m.RequiredCapabilities)
	assert.True(t, m.RequiresApproval)
}
