// SPDX-License-Identifier: GPL-2.0-or-later

// Package apfscheck orchestrates a full consistency check of a container
// image: load the container superblock, parse its object map to find each
// volume superblock, then parse and check every volume's catalog tree
// through that volume's own object map.
package apfscheck

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfstree"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/textui"
)

// volumeProgress is the Stats value shown by the progress ticker while
// checking a multi-volume container.
type volumeProgress struct {
	Done, Total int
	Volume      string
}

func (p volumeProgress) String() string {
	return fmt.Sprintf("checking volume %d/%d (%s)", p.Done, p.Total, p.Volume)
}

var progressInterval = textui.Tunable(2 * time.Second)

// Config controls how far a Run goes and how noisy it is. It is the
// concrete home for the tunables named in the configuration layer:
// max tree depth and whether per-volume progress lines are logged.
type Config struct {
	MaxDepth int
	Progress bool
}

// DefaultConfig matches the underlying algorithm's fixed bound.
func DefaultConfig() Config {
	return Config{MaxDepth: apfstree.MaxDepth, Progress: false}
}

// VolumeResult summarizes one checked volume.
type VolumeResult struct {
	Index       uint32
	Name        string
	UUID        apfsio.UUID
	RootTreeOID apfsio.OID
	CatalogRoot *apfsio.Node
}

// Result is the outcome of a full container check.
type Result struct {
	ContainerUUID apfsio.UUID
	OMapRoot      *apfsio.Node
	Volumes       []VolumeResult
}

// Run loads the container superblock at block 0, parses its object map,
// then parses and checks every non-empty volume slot's catalog tree. It
// returns the first fatal error encountered; a partially-filled Result is
// not returned on error, matching the underlying algorithm's
// abort-immediately contract.
func Run(ctx context.Context, dev apfsio.Device, cfg Config) (*Result, error) {
	sbBlock, err := dev.ReadBlockAt(0)
	if err != nil {
		return nil, fmt.Errorf("read container superblock: %w", err)
	}
	if !apfsio.VerifyObjectChecksum(sbBlock) {
		return nil, fmt.Errorf("container superblock at block 0: checksum mismatch")
	}
	sb, err := apfsio.DecodeNXSuperblock(sbBlock)
	if err != nil {
		return nil, fmt.Errorf("decode container superblock: %w", err)
	}
	dlog.Debugf(ctx, "container uuid=%v block_size=%d block_count=%d", sb.UUID, sb.BlockSize, sb.BlockCount)

	omapRoot, err := apfstree.ParseOMapBTreeWithMaxDepth(dev, apfsio.BlockNumber(sb.OmapOID), cfg.MaxDepth)
	if err != nil {
		return nil, fmt.Errorf("parse container object map: %w", err)
	}

	result := &Result{ContainerUUID: sb.UUID, OMapRoot: omapRoot}

	total := 0
	for _, volOID := range sb.VolumeOIDs {
		if volOID != 0 {
			total++
		}
	}
	var progress *textui.Progress[volumeProgress]
	if cfg.Progress {
		progress = textui.NewProgress[volumeProgress](ctx, dlog.LogLevelInfo, progressInterval)
		defer progress.Done()
	}

	done := 0
	for i, volOID := range sb.VolumeOIDs {
		if volOID == 0 {
			continue
		}
		if progress != nil {
			progress.Set(volumeProgress{Done: done, Total: total, Volume: fmt.Sprintf("oid=%v", volOID)})
		}
		volBno, err := apfstree.OMapLookupWithMaxDepth(dev, omapRoot, volOID, cfg.MaxDepth)
		if err != nil {
			return nil, fmt.Errorf("resolve volume %d superblock: %w", i, err)
		}
		volBlock, err := dev.ReadBlockAt(volBno)
		if err != nil {
			return nil, fmt.Errorf("read volume %d superblock: %w", i, err)
		}
		if !apfsio.VerifyObjectChecksum(volBlock) {
			return nil, fmt.Errorf("volume %d superblock at block %v: checksum mismatch", i, volBno)
		}
		vsb, err := apfsio.DecodeAPFSSuperblock(volBlock)
		if err != nil {
			return nil, fmt.Errorf("decode volume %d superblock: %w", i, err)
		}

		volOMapRoot, err := apfstree.ParseOMapBTreeWithMaxDepth(dev, apfsio.BlockNumber(vsb.OmapOID), cfg.MaxDepth)
		if err != nil {
			return nil, fmt.Errorf("parse volume %q object map: %w", vsb.VolName, err)
		}

		catRoot, err := apfstree.ParseCatBTreeWithMaxDepth(dev, vsb.RootTreeOID, volOMapRoot, cfg.MaxDepth)
		if err != nil {
			return nil, fmt.Errorf("check volume %q catalog: %w", vsb.VolName, err)
		}
		result.Volumes = append(result.Volumes, VolumeResult{
			Index:       uint32(i),
			Name:        vsb.VolName,
			UUID:        vsb.VolUUID,
			RootTreeOID: vsb.RootTreeOID,
			CatalogRoot: catRoot,
		})
		done++
	}
	if progress != nil {
		progress.Set(volumeProgress{Done: done, Total: total, Volume: "done"})
	}
	return result, nil
}
