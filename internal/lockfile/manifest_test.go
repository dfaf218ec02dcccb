package lockfile

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *Manifest {
	downloaded := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	return &Manifest{
		Version:     ManifestVersion,
		GeneratedAt: downloaded,
		Platform:    "linux-x64",
		Toolchains: map[string]Pin{
			"llvm": {
				Version:      "18.1.8",
				SHA256:       "54ec30358afcc9fb8aa74307db3046f5187f9fb89fb37064cdde906e062ebf36",
				Size:         1066382272,
				SourceURL:    "https://example.com/llvm-18.1.8.tar.xz",
				Requires:     []string{"cmake"},
				DownloadDate: downloaded,
			},
			"cmake": {
				Version:      "3.28.3",
				SHA256:       "804d231460ab3c8b556a42d2660af4ac7a0e21c98a7f8ee3318a74b4a9a187a6",
				Size:         51884483,
				SourceURL:    "https://example.com/cmake-3.28.3.tar.gz",
				DownloadDate: downloaded,
			},
		},
		BuildTools: map[string]ToolPin{
			"ninja": {
				Version: "1.11.1",
				SHA256:  "b901ba96e486dce377f9a070ed4ef3f79deb45f4ffe2938f8e7ddc69cfb3df77",
			},
		},
		Metadata: Metadata{Generator: "lockforge"},
	}
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(*Manifest) {},
		},
		{
			name:    "wrong schema version",
			mutate:  func(m *Manifest) { m.Version = 7 },
			wantErr: ErrInvalidManifest,
		},
		{
			name:    "missing platform",
			mutate:  func(m *Manifest) { m.Platform = "" },
			wantErr: ErrInvalidManifest,
		},
		{
			name: "missing pin version",
			mutate: func(m *Manifest) {
				pin := m.Toolchains["llvm"]
				pin.Version = ""
				m.Toolchains["llvm"] = pin
			},
			wantErr: ErrInvalidManifest,
		},
		{
			name: "malformed hash",
			mutate: func(m *Manifest) {
				pin := m.Toolchains["llvm"]
				pin.SHA256 = "deadbeef"
				m.Toolchains["llvm"] = pin
			},
			wantErr: ErrInvalidManifest,
		},
		{
			name: "requires may reference a build tool",
			mutate: func(m *Manifest) {
				pin := m.Toolchains["llvm"]
				pin.Requires = []string{"cmake", "ninja"}
				m.Toolchains["llvm"] = pin
			},
		},
		{
			name: "requires unknown entry",
			mutate: func(m *Manifest) {
				pin := m.Toolchains["llvm"]
				pin.Requires = []string{"meson"}
				m.Toolchains["llvm"] = pin
			},
			wantErr: ErrInvalidManifest,
		},
		{
			name: "build tool missing version",
			mutate: func(m *Manifest) {
				pin := m.BuildTools["ninja"]
				pin.Version = ""
				m.BuildTools["ninja"] = pin
			},
			wantErr: ErrInvalidManifest,
		},
		{
			name: "build tool malformed hash",
			mutate: func(m *Manifest) {
				pin := m.BuildTools["ninja"]
				pin.SHA256 = "deadbeef"
				m.BuildTools["ninja"] = pin
			},
			wantErr: ErrInvalidManifest,
		},
		{
			name: "dependency cycle",
			mutate: func(m *Manifest) {
				pin := m.Toolchains["cmake"]
				pin.Requires = []string{"llvm"}
				m.Toolchains["cmake"] = pin
			},
			wantErr: ErrDependencyCycle,
		},
		{
			name: "self cycle",
			mutate: func(m *Manifest) {
				pin := m.Toolchains["cmake"]
				pin.Requires = []string{"cmake"}
				m.Toolchains["cmake"] = pin
			},
			wantErr: ErrDependencyCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			err := m.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestManifestEncodeDecodeRoundTrip(t *testing.T) {
	m := validManifest()

	var buf bytes.Buffer
	require.NoError(t, m.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, m.Version, got.Version)
	assert.True(t, m.GeneratedAt.Equal(got.GeneratedAt))
	assert.Equal(t, m.Platform, got.Platform)
	assert.Equal(t, m.BuildTools, got.BuildTools)
	assert.Equal(t, m.Metadata, got.Metadata)

	require.Equal(t, m.Names(), got.Names())
	for _, name := range m.Names() {
		want, have := m.Toolchains[name], got.Toolchains[name]
		assert.True(t, want.DownloadDate.Equal(have.DownloadDate),
			"%s download_date must survive the round trip", name)
		want.DownloadDate, have.DownloadDate = time.Time{}, time.Time{}
		assert.Equal(t, want, have)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	_, err := Decode(bytes.NewBufferString("not: [valid"))
	require.ErrorIs(t, err, ErrInvalidManifest)

	_, err = Decode(bytes.NewBufferString("version: 99\nplatform: linux-x64\n"))
	require.ErrorIs(t, err, ErrInvalidManifest)
}

func TestSaveLoad(t *testing.T) {
	fs := memfs.New()
	m := validManifest()

	require.NoError(t, Save(fs, "toolchains.lock", m))

	got, err := Load(fs, "toolchains.lock")
	require.NoError(t, err)
	assert.Equal(t, m.Names(), got.Names())
	assert.Equal(t, m.BuildTools, got.BuildTools)

	// No temp files left behind.
	infos, err := fs.ReadDir(".")
	require.NoError(t, err)
	for _, info := range infos {
		assert.NotContains(t, info.Name(), "lock-")
	}
}

func TestSaveRejectsInvalidManifest(t *testing.T) {
	m := validManifest()
	m.Platform = ""
	require.ErrorIs(t, Save(memfs.New(), "toolchains.lock", m), ErrInvalidManifest)
}

func TestNamesSorted(t *testing.T) {
	m := validManifest()
	assert.Equal(t, []string{"cmake", "llvm"}, m.Names())
	assert.Equal(t, []string{"ninja"}, m.BuildToolNames())
}

func TestCyclePathReported(t *testing.T) {
	m := validManifest()
	// llvm branches to cmake and back to boost: the walk through the
	// cmake branch must not corrupt the path reported for the cycle.
	m.Toolchains["boost"] = Pin{
		Version:   "1.83.0",
		SHA256:    "6478edfe2f3305127cffe8caf73ea0176c53769f4bf1585be237eb30798c3b8e",
		SourceURL: "https://example.com/boost-1.83.0.tar.bz2",
		Requires:  []string{"llvm"},
	}
	pin := m.Toolchains["llvm"]
	pin.Requires = []string{"cmake", "boost"}
	m.Toolchains["llvm"] = pin

	err := m.Validate()
	require.ErrorIs(t, err, ErrDependencyCycle)
	assert.Contains(t, err.Error(), "[boost llvm] -> boost")
}
