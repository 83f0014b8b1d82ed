// SPDX-License-Identifier: GPL-2.0-or-later

// Command mkapfs writes a minimal, structurally valid container image: one
// container superblock, one object map holding two mappings, one volume
// superblock, and a catalog root with the same two records the reference
// mkapfs writes for a fresh volume (root directory, private-files
// directory). It exists to give apfsck something to check without a real
// device image on hand.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfskey"
)

// Block layout. The image is deliberately tiny: five populated blocks plus
// whatever padding --block-count asks for beyond that.
const (
	bnoContainerSB apfsio.BlockNumber = 0
	bnoOMapHeader  apfsio.BlockNumber = 1
	bnoOMapRoot    apfsio.BlockNumber = 2
	bnoVolumeSB    apfsio.BlockNumber = 3
	bnoCatalogRoot apfsio.BlockNumber = 4

	minBlockCount = 5
)

// Virtual object ids resolved through the object map. Chosen past the
// range mkapfs's own reference implementation reserves for known
// system objects, and ordered so the two omap leaf records sort correctly
// without any extra bookkeeping.
const (
	oidVolumeSB    apfsio.OID = 0x400
	oidCatalogRoot apfsio.OID = 0x401
)

func main() {
	var (
		blockSize  uint32
		blockCount uint64
		volName    string
	)

	argparser := &cobra.Command{
		Use:           "mkapfs OUTFILE",
		Short:         "Write a minimal, checkable APFS container image",
		Args:          cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], blockSize, blockCount, volName)
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.Flags().Uint32Var(&blockSize, "block-size", 4096, "block size of the container image, in bytes")
	argparser.Flags().Uint64Var(&blockCount, "block-count", 16, "number of blocks in the container image")
	argparser.Flags().StringVar(&volName, "volume-name", "untitled", "name of the single volume created in the container")

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "mkapfs: error: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, blockSize uint32, blockCount uint64, volName string) (err error) {
	if blockCount < minBlockCount {
		return fmt.Errorf("--block-count must be at least %d, got %d", minBlockCount, blockCount)
	}

	dev, err := apfsio.CreateDevice(path, blockSize, int64(blockSize)*int64(blockCount))
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := writeCatalogRoot(dev); err != nil {
		return err
	}
	if err := writeOMapRoot(dev); err != nil {
		return err
	}
	if err := writeOMapHeader(dev); err != nil {
		return err
	}
	if err := writeVolumeSuperblock(dev, volName); err != nil {
		return err
	}
	if err := writeContainerSuperblock(dev, blockCount); err != nil {
		return err
	}
	return nil
}

// writeCatalogRoot writes the volume's only btree node: two minimal
// directory records, matching the reference mkapfs's "just two catalog
// records: the root and private directories" convention. Real directory
// records carry a name and stat metadata in their value; this checker never
// interprets a catalog value, so a zero-filled 8-byte value is enough to be
// structurally valid (the query engine rejects a zero-length value).
func writeCatalogRoot(dev apfsio.Device) error {
	const (
		rootDirOID    = 2 // reference implementation's fixed root-directory id
		privateDirOID = 3
		itemTypeInode = 0x3
	)
	placeholder := make([]byte, 8) // real inode records carry stat metadata; this checker never inspects a leaf value
	records := []apfsio.Record{
		{Key: apfskey.EncodeCatalogKey(apfskey.CatalogKey{ObjID: rootDirOID, ItemType: itemTypeInode}), Value: placeholder},
		{Key: apfskey.EncodeCatalogKey(apfskey.CatalogKey{ObjID: privateDirOID, ItemType: itemTypeInode}), Value: placeholder},
	}
	return apfsio.BuildNode(dev, bnoCatalogRoot, apfsio.NodeBuildOpts{
		OID:       oidCatalogRoot,
		XID:       1,
		IsRoot:    true,
		IsLeaf:    true,
		IsVirtual: true,
		Records:   records,
	})
}

// writeOMapRoot writes the object map's only node: two fixed-layout leaf
// records mapping the volume superblock's and catalog root's virtual object
// ids to their physical blocks. Both were written in the container's first
// (and only) transaction, so both carry XID 1; a lookup matches on oid
// alone and never inspects the stored transaction id.
func writeOMapRoot(dev apfsio.Device) error {
	records := []apfsio.Record{
		{
			Key:   apfskey.EncodeOMapKey(apfskey.OMapKey{OID: oidVolumeSB, XID: 1}),
			Value: apfsio.EncodeOMapVal(apfsio.OMapVal{Size: dev.BlockSize(), Paddr: bnoVolumeSB}),
		},
		{
			Key:   apfskey.EncodeOMapKey(apfskey.OMapKey{OID: oidCatalogRoot, XID: 1}),
			Value: apfsio.EncodeOMapVal(apfsio.OMapVal{Size: dev.BlockSize(), Paddr: bnoCatalogRoot}),
		},
	}
	return apfsio.BuildNode(dev, bnoOMapRoot, apfsio.NodeBuildOpts{
		OID:     apfsio.OID(bnoOMapRoot), // physical objects are addressed by their own block number
		XID:     1,
		IsRoot:  true,
		IsLeaf:  true,
		FixedKV: true,
		Records: records,
	})
}

func writeOMapHeader(dev apfsio.Device) error {
	block := make([]byte, dev.BlockSize())
	obj := apfsio.ObjPhys{
		OID:     apfsio.OID(bnoOMapHeader),
		XID:     1,
		Type:    uint32(apfsio.ObjTypeOmap) | apfsio.ObjFlagPhysical,
		Subtype: 0,
	}
	apfsio.EncodeObjPhysInto(block, obj)
	encodeOMapPhysInto(block, apfsio.OID(bnoOMapRoot))
	apfsio.SetObjectChecksum(block)
	return dev.WriteBlockAt(bnoOMapHeader, block)
}

// encodeOMapPhysInto writes the omap_phys_t fields that follow the object
// header. lib/apfsio exposes no encoder for this type since the checker
// only ever reads one; the field layout below matches DecodeOMapPhys.
func encodeOMapPhysInto(block []byte, treeOID apfsio.OID) {
	le := func(off int, v uint64, n int) {
		for i := 0; i < n; i++ {
			block[off+i] = byte(v >> (8 * i))
		}
	}
	le(0x30, uint64(treeOID), 8)
}

func writeVolumeSuperblock(dev apfsio.Device, volName string) error {
	block := make([]byte, dev.BlockSize())
	apfsio.EncodeAPFSSuperblockInto(block, apfsio.APFSSuperblock{
		Obj: apfsio.ObjPhys{
			OID:     oidVolumeSB,
			XID:     1,
			Type:    uint32(apfsio.ObjTypeFS) | apfsio.ObjFlagVirtual,
			Subtype: 0,
		},
		FSIndex:     0,
		VolUUID:     uuid.New(),
		RootTreeOID: oidCatalogRoot,
		// The reference implementation gives every volume its own object
		// map; this image has only one, so the volume names the same
		// header block the container does.
		OmapOID: apfsio.OID(bnoOMapHeader),
		VolName: volName,
	})
	apfsio.SetObjectChecksum(block)
	return dev.WriteBlockAt(bnoVolumeSB, block)
}

func writeContainerSuperblock(dev apfsio.Device, blockCount uint64) error {
	block := make([]byte, dev.BlockSize())
	volumeOIDs := make([]apfsio.OID, apfsio.NXMaxFileSystems)
	volumeOIDs[0] = oidVolumeSB
	apfsio.EncodeNXSuperblockInto(block, apfsio.NXSuperblock{
		Obj: apfsio.ObjPhys{
			OID:     apfsio.OID(bnoContainerSB),
			XID:     1,
			Type:    uint32(apfsio.ObjTypeNXSuperblock) | apfsio.ObjFlagPhysical,
			Subtype: 0,
		},
		BlockSize:  dev.BlockSize(),
		BlockCount: blockCount,
		UUID:       uuid.New(),
		NextOID:    apfsio.OID(bnoCatalogRoot) + 1,
		NextXID:    2,
		OmapOID:    apfsio.OID(bnoOMapHeader),
		VolumeOIDs: volumeOIDs,
	})
	apfsio.SetObjectChecksum(block)
	return dev.WriteBlockAt(bnoContainerSB, block)
}
