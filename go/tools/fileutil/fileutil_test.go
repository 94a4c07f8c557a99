// Copyright 2025 The Cmdbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fileutil

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/etc/cmdbridge", 0o755))

	err := AtomicWriteFile(fs, "/etc/cmdbridge/config.yaml", []byte("host: localhost\n"), 0o644)
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, "/etc/cmdbridge/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "host: localhost\n", string(data))

	// No temp files left behind.
	entries, err := afero.ReadDir(fs, "/etc/cmdbridge")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.yaml", entries[0].Name())
}

func TestAtomicWriteFileOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	require.NoError(t, AtomicWriteFile(fs, "/data/f", []byte("old"), 0o644))
	require.NoError(t, AtomicWriteFile(fs, "/data/f", []byte("new"), 0o644))

	data, err := afero.ReadFile(fs, "/data/f")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestAtomicWriteFileMissingDir(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	err := AtomicWriteFile(fs, "/nope/config.yaml", []byte("x"), 0o644)
	require.Error(t, err)
}

func TestCopyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("payload"), 0o600))

	require.NoError(t, CopyFile(fs, "/src/a.txt", "/dst/deep/b.txt"))

	data, err := afero.ReadFile(fs, "/dst/deep/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestCopyFileMissingSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	err := CopyFile(fs, "/missing", "/dst")
	require.Error(t, err)
}

func TestEnsureDirAndExists(t *testing.T) {
	fs := afero.NewMemMapFs()

	ok, err := Exists(fs, "/var/run/cmdbridge")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, EnsureDir(fs, "/var/run/cmdbridge", 0o755))

	ok, err = Exists(fs, "/var/run/cmdbridge")
	require.NoError(t, err)
	assert.True(t, ok)

	// Idempotent.
	require.NoError(t, EnsureDir(fs, "/var/run/cmdbridge", 0o755))
}
