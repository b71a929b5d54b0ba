// Package resource probes local storage ahead of strategy decisions.
package resource

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

// ErrStorageUnavailable is returned when a path's filesystem cannot be statted.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Prober takes point-in-time storage readings. Cheap and side-effect free;
// a fresh snapshot is taken before every strategy decision.
type Prober struct {
	// RemotePath is an optional mounted remote drive probed best-effort.
	RemotePath string
}

// Snapshot reads the available space at path (and at RemotePath when set).
func (p *Prober) Snapshot(path string) (types.ResourceSnapshot, error) {
	freeGiB, err := freeSpaceGiB(path)
	if err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, path, err)
	}

	snap := types.ResourceSnapshot{
		LocalStoragePath:         path,
		AvailableLocalStorageGiB: freeGiB,
	}

	if p.RemotePath != "" {
		if remoteGiB, err := freeSpaceGiB(p.RemotePath); err == nil {
			snap.AvailableRemoteStorageGiB = &remoteGiB
		}
	}

	return snap, nil
}

func freeSpaceGiB(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	free := uint64(st.Bavail) * uint64(st.Bsize)
	return float64(free) / (1 << 30), nil
}
