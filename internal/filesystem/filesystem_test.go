/*
Copyright 2019 The Ceph-CSI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mount "k8s.io/mount-utils"
	utilexec "k8s.io/utils/exec"
	fakeexec "k8s.io/utils/exec/testing"
)

func fakeFormatExec(script []fakeexec.FakeCombinedOutputAction) *fakeexec.FakeExec {
	return &fakeexec.FakeExec{
		CommandScript: []fakeexec.FakeCommandAction{
			func(cmd string, args ...string) utilexec.Cmd {
				return &fakeexec.FakeCmd{
					CombinedOutputScript: script,
				}
			},
		},
	}
}

func TestFormatRejectsUnsupportedFstype(t *testing.T) {
	t.Parallel()
	fs := &Filesystem{
		Mounter: mount.NewFakeMounter(nil),
		Exec:    &fakeexec.FakeExec{},
	}

	err := fs.Format(context.Background(), "/dev/sdx", "zfs")
	require.Error(t, err)
}

func TestFormatInvokesMkfs(t *testing.T) {
	t.Parallel()
	fs := &Filesystem{
		Mounter: mount.NewFakeMounter(nil),
		Exec: fakeFormatExec([]fakeexec.FakeCombinedOutputAction{
			func() ([]byte, error) { return []byte(""), nil },
		}),
	}

	err := fs.Format(context.Background(), "/dev/sdx", "ext4")
	assert.NoError(t, err)
}

func TestBindMountBlockDeviceTouchesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	source := filepath.Join(dir, "source-device")
	require.NoError(t, os.WriteFile(source, nil, 0o600))

	target := filepath.Join(dir, "nested", "target")
	fs := &Filesystem{
		Mounter: mount.NewFakeMounter(nil),
		Exec:    &fakeexec.FakeExec{},
	}

	require.NoError(t, fs.BindMount(source, target, false))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
}

func TestIsMountedFalseForUnknownPath(t *testing.T) {
	t.Parallel()
	mounter := mount.NewFakeMounter(nil)
	fs := &Filesystem{Mounter: mounter}

	mounted, err := fs.IsMounted("/no/such/path")
	require.NoError(t, err)
	assert.False(t, mounted)
}
