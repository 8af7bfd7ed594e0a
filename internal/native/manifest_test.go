package native

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novelshelf/catalogd/internal/domain"
)

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	assert.Equal(t, "org.example.novels", m.Pkg)
	assert.Equal(t, int32(7), m.VersionCode)

	v, err := m.ResolvedLibVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestParseManifest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"no pkg", "name: X\nversion_name: 2.0.0\n", domain.ErrInstallFailed},
		{"no name", "pkg: a.b\nversion_name: 2.0.0\n", domain.ErrInstallFailed},
		{"lib too old", "pkg: a.b\nname: X\nversion_name: 1.4.0\n", domain.ErrIncompatibleVersion},
		{"lib too new", "pkg: a.b\nname: X\nversion_name: 1.0.0\nlib_version: 3\n", domain.ErrIncompatibleVersion},
		{"garbage version", "pkg: a.b\nname: X\nversion_name: latest\n", domain.ErrIncompatibleVersion},
		{"not yaml", "pkg: [a\n", domain.ErrInstallFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.data))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestManifest_LibVersionOverridesVersionName(t *testing.T) {
	m, err := ParseManifest([]byte("pkg: a.b\nname: X\nversion_name: 9.0.0\nlib_version: 2\n"))
	require.NoError(t, err)
	v, err := m.ResolvedLibVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestManifest_ResolvedSourceID(t *testing.T) {
	m := &Manifest{Name: "Example", Lang: "en"}
	assert.Equal(t, domain.GenerateSourceID("Example", "en", 1), m.ResolvedSourceID())

	m.SourceID = 42
	assert.Equal(t, int64(42), m.ResolvedSourceID())
}
