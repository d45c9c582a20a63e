package mountop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/executor/executortest"
	"github.com/daveseff/Geppetto/internal/operation"
)

// host builds a fake where mounted lists the active mount points.
func host(mounted ...string) *executortest.Fake {
	fake := executortest.New()
	fake.CommandFunc = func(command []string, _ executor.RunOptions) (*executor.CommandResult, error) {
		if command[0] == "mountpoint" {
			for _, point := range mounted {
				if command[len(command)-1] == point {
					return &executor.CommandResult{}, nil
				}
			}
			return &executor.CommandResult{ExitCode: 1}, nil
		}
		return &executor.CommandResult{}, nil
	}
	return fake
}

func build(t *testing.T, title string, attrs map[string]any) operation.Operation {
	t.Helper()
	attrs["name"] = title
	op, err := New()(title, attrs)
	require.NoError(t, err)
	return op
}

func TestMountWritesFstabAndMounts(t *testing.T) {
	fake := host()
	op := build(t, "/mnt/data", map[string]any{
		"source":  "nfs01:/export/data",
		"fstype":  "nfs4",
		"options": []any{"rw", "hard"},
	})

	outcome, err := op.Apply(context.Background(), nil, fake)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, "nfs01:/export/data /mnt/data nfs4 rw,hard 0 0\n", string(fake.Files["/etc/fstab"]))
	assert.True(t, fake.Dirs["/mnt/data"])
	assert.True(t, fake.Ran("mount /mnt/data"))
}

func TestMountReplacesStaleEntry(t *testing.T) {
	fake := host("/mnt/data")
	fake.Files["/etc/fstab"] = []byte(
		"# managed\n/dev/sda1 / ext4 defaults 0 1\nnfs01:/old /mnt/data nfs defaults 0 0\n")
	op := build(t, "/mnt/data", map[string]any{"source": "nfs01:/export/data"})

	outcome, err := op.Apply(context.Background(), nil, fake)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t,
		"# managed\n/dev/sda1 / ext4 defaults 0 1\nnfs01:/export/data /mnt/data nfs defaults 0 0\n",
		string(fake.Files["/etc/fstab"]))
}

func TestMountInSyncIsNoop(t *testing.T) {
	fake := host("/mnt/data")
	fake.Files["/etc/fstab"] = []byte("nfs01:/export/data /mnt/data nfs defaults 0 0\n")
	op := build(t, "/mnt/data", map[string]any{"source": "nfs01:/export/data"})

	outcome, err := op.Apply(context.Background(), nil, fake)
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Equal(t, "in sync", outcome.Detail)
}

func TestMountSkipsMountWhenDisabled(t *testing.T) {
	fake := host()
	op := build(t, "/mnt/data", map[string]any{"source": "nfs01:/export/data", "mount": false})

	outcome, err := op.Apply(context.Background(), nil, fake)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.False(t, fake.Ran("mountpoint"))
	assert.False(t, fake.Ran("mount /mnt/data"))
}

func TestMountAbsentRemovesEntryAndUnmounts(t *testing.T) {
	fake := host("/mnt/data")
	fake.Files["/etc/fstab"] = []byte(
		"/dev/sda1 / ext4 defaults 0 1\nnfs01:/export/data /mnt/data nfs defaults 0 0\n")
	op := build(t, "/mnt/data", map[string]any{"source": "nfs01:/export/data", "state": "absent"})

	outcome, err := op.Apply(context.Background(), nil, fake)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, "/dev/sda1 / ext4 defaults 0 1\n", string(fake.Files["/etc/fstab"]))
	assert.True(t, fake.Ran("umount /mnt/data"))
}

func TestMountPointMustBeAbsolute(t *testing.T) {
	_, err := New()("data", map[string]any{"name": "data", "source": "nfs01:/export/data"})
	assert.Error(t, err)
}

func TestMountPointAttributeOverridesTitle(t *testing.T) {
	fake := host()
	op := build(t, "scratch", map[string]any{
		"source":      "nfs01:/export/scratch",
		"mount_point": "/mnt/scratch",
	})

	_, err := op.Apply(context.Background(), nil, fake)
	require.NoError(t, err)
	assert.True(t, fake.Ran("mount /mnt/scratch"))
}

func TestDestroySpec(t *testing.T) {
	spec := Destroy("/mnt/data", map[string]any{
		"source": "nfs01:/export/data",
		"fstype": "nfs4",
		"state":  "present",
	})
	assert.Equal(t, map[string]any{
		"state":  "absent",
		"source": "nfs01:/export/data",
		"fstype": "nfs4",
	}, spec)
}
