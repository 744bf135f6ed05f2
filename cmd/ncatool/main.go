// Command ncatool inspects, verifies, extracts, merges, and
// distribution-compresses Nintendo Content Archives: a subcommand CLI
// covering the whole codec rather than a single one-shot operation.
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/falk/nca-go/pkg/builder"
	"github.com/falk/nca-go/pkg/cnmt"
	"github.com/falk/nca-go/pkg/integrity"
	"github.com/falk/nca-go/pkg/keys"
	"github.com/falk/nca-go/pkg/nca"
	"github.com/falk/nca-go/pkg/nsz"
	"github.com/falk/nca-go/pkg/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "info":
		err = runInfo(args)
	case "verify":
		err = runVerify(args)
	case "extract":
		err = runExtract(args)
	case "build-merged":
		err = runBuildMerged(args)
	case "patch-meta":
		err = runPatchMeta(args)
	case "compress":
		err = runCompress(args)
	case "decompress":
		err = runDecompress(args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ncatool %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ncatool <info|verify|extract|build-merged|patch-meta|compress|decompress> [options] <file>")
}

func loadKeySet(path string) (*keys.KeySet, error) {
	ks := keys.NewKeySet()
	var err error
	if path != "" {
		err = ks.Load(path)
	} else {
		err = ks.LoadDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("loading keys: %w", err)
	}
	return ks, nil
}

func openNca(path, keysPath string) (*nca.NCA, error) {
	ks, err := loadKeySet(keysPath)
	if err != nil {
		return nil, err
	}
	file, err := storage.OpenFileStorage(path)
	if err != nil {
		return nil, err
	}
	return nca.Open(file, ks, keys.NewExternalKeySet())
}

func validityString(v integrity.Validity) string {
	switch v {
	case integrity.ValidityValid:
		return "OK"
	case integrity.ValidityInvalid:
		return "INVALID"
	default:
		return "UNCHECKED"
	}
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	keysPath := fs.String("k", "", "path to prod.keys")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected a single NCA path")
	}

	n, err := openNca(fs.Arg(0), *keysPath)
	if err != nil {
		return err
	}
	h := n.Header()
	fmt.Printf("magic:          %s\n", h.Magic)
	fmt.Printf("content type:   %s\n", h.ContentType)
	fmt.Printf("title id:       %016x\n", h.TitleID)
	fmt.Printf("content size:   %d\n", h.ContentSize)
	fmt.Printf("key generation: %d (master key revision %d)\n", h.EffectiveKeyGeneration(), h.MasterKeyRevision())
	fmt.Printf("rights id set:  %v\n", h.HasRightsID())
	fmt.Printf("fixed key sig:  %s\n", validityString(h.Signature.FixedKey))
	fmt.Printf("npdm sig:       %s\n", validityString(h.Signature.Npdm))
	for i, e := range h.Sections {
		if !e.Enabled {
			continue
		}
		fh := h.FsHeaders[i]
		fmt.Printf("section %d: offset=0x%x size=0x%x format=%d hash=%d encryption=%d\n",
			i, e.Offset(), e.Size(), fh.Format, fh.Hash, fh.Encryption)
	}
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	keysPath := fs.String("k", "", "path to prod.keys")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected a single NCA path")
	}

	n, err := openNca(fs.Arg(0), *keysPath)
	if err != nil {
		return err
	}
	h := n.Header()
	for i, e := range h.Sections {
		if !e.Enabled {
			continue
		}
		validity, err := n.VerifySection(i, nil)
		if err != nil {
			fmt.Printf("section %d: FAIL: %v\n", i, err)
			continue
		}
		switch validity {
		case integrity.ValidityValid:
			fmt.Printf("section %d: OK\n", i)
		case integrity.ValidityInvalid:
			fmt.Printf("section %d: FAIL: hash mismatch\n", i)
		default:
			fmt.Printf("section %d: UNCHECKED\n", i)
		}
	}
	return nil
}

func runExtract(args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	keysPath := fs.String("k", "", "path to prod.keys")
	section := fs.Int("s", 0, "section index to extract")
	outDir := fs.String("o", ".", "output directory")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected a single NCA path")
	}

	n, err := openNca(fs.Arg(0), *keysPath)
	if err != nil {
		return err
	}
	filesys, err := n.Filesystem(*section, integrity.LevelWarn, nil)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}
	for _, name := range filesys.List() {
		src, err := filesys.Open(name)
		if err != nil {
			return err
		}
		dstPath := *outDir + "/" + name
		if err := extractFile(src, dstPath); err != nil {
			return err
		}
		fmt.Println(dstPath)
	}
	return nil
}

func extractFile(src storage.Storage, dstPath string) error {
	f, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, 1<<20)
	for off := int64(0); off < src.Size(); off += int64(len(buf)) {
		n := len(buf)
		if off+int64(n) > src.Size() {
			n = int(src.Size() - off)
		}
		read, err := src.ReadAt(buf[:n], off)
		if err != nil {
			return err
		}
		if _, err := f.Write(buf[:read]); err != nil {
			return err
		}
	}
	return nil
}

// runBuildMerged reassembles a patch NCA's code/data against a base
// NCA's logo: Logo carried through from base, ExeFS from patch, RomFS
// as the patch's indirect/CTR-EX composition over base, all re-hashed
// and sealed under a freshly encrypted header copied from the patch.
func runBuildMerged(args []string) error {
	fs := flag.NewFlagSet("build-merged", flag.ExitOnError)
	keysPath := fs.String("k", "", "path to prod.keys")
	basePath := fs.String("base", "", "path to the base NCA")
	outPath := fs.String("o", "", "output NCA path")
	fs.Parse(args)
	if fs.NArg() != 1 || *basePath == "" || *outPath == "" {
		return fmt.Errorf("usage: build-merged -base <base.nca> -o <out.nca> <patch.nca>")
	}

	ks, err := loadKeySet(*keysPath)
	if err != nil {
		return err
	}
	ext := keys.NewExternalKeySet()

	baseFile, err := storage.OpenFileStorage(*basePath)
	if err != nil {
		return err
	}
	baseNCA, err := nca.Open(baseFile, ks, ext)
	if err != nil {
		return fmt.Errorf("opening base NCA: %w", err)
	}

	patchFile, err := storage.OpenFileStorage(fs.Arg(0))
	if err != nil {
		return err
	}
	patchNCA, err := nca.Open(patchFile, ks, ext)
	if err != nil {
		return fmt.Errorf("opening patch NCA: %w", err)
	}

	b := builder.NewFromBase(patchNCA.Header(), ks)
	if err := builder.AddLogoFromBase(b, baseNCA); err != nil {
		return fmt.Errorf("adding logo: %w", err)
	}
	if err := builder.AddExeFsFromPatch(b, patchNCA); err != nil {
		return fmt.Errorf("adding exefs: %w", err)
	}
	if err := builder.AddRomFsMerged(b, baseNCA, patchNCA); err != nil {
		return fmt.Errorf("merging romfs: %w", err)
	}
	if err := b.FinalizeHashes(); err != nil {
		return fmt.Errorf("finalizing hashes: %w", err)
	}
	sealed, err := b.Seal()
	if err != nil {
		return fmt.Errorf("sealing: %w", err)
	}

	if err := extractFile(sealed, *outPath); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", sealed.Size(), *outPath)
	return nil
}

// runPatchMeta rewrites a base Meta NCA's CNMT content-entries list to
// describe a single freshly produced program NCA (hashed here) and
// seals the result, the full-title re-emission counterpart to
// build-merged.
func runPatchMeta(args []string) error {
	fs := flag.NewFlagSet("patch-meta", flag.ExitOnError)
	keysPath := fs.String("k", "", "path to prod.keys")
	metaPath := fs.String("meta", "", "path to the base Meta NCA")
	contentPath := fs.String("content", "", "path to the produced program NCA")
	outPath := fs.String("o", "", "output Meta NCA path")
	fs.Parse(args)
	if fs.NArg() != 0 || *metaPath == "" || *contentPath == "" || *outPath == "" {
		return fmt.Errorf("usage: patch-meta -meta <meta.nca> -content <program.nca> -o <out.nca>")
	}

	ks, err := loadKeySet(*keysPath)
	if err != nil {
		return err
	}
	ext := keys.NewExternalKeySet()

	metaFile, err := storage.OpenFileStorage(*metaPath)
	if err != nil {
		return err
	}
	metaNCA, err := nca.Open(metaFile, ks, ext)
	if err != nil {
		return fmt.Errorf("opening meta NCA: %w", err)
	}

	contentFile, err := os.Open(*contentPath)
	if err != nil {
		return err
	}
	defer contentFile.Close()
	info, err := contentFile.Stat()
	if err != nil {
		return err
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, contentFile); err != nil {
		return err
	}
	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	produced := []builder.ProducedContent{{Hash: hash, Size: uint64(info.Size()), Type: cnmt.ContentTypeProgram}}
	sealed, err := builder.PatchMeta(metaNCA, ks, produced)
	if err != nil {
		return err
	}
	if err := extractFile(sealed, *outPath); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", sealed.Size(), *outPath)
	return nil
}

func runCompress(args []string) error {
	fs := flag.NewFlagSet("compress", flag.ExitOnError)
	keysPath := fs.String("k", "", "path to prod.keys")
	level := fs.Int("l", nsz.DefaultCompressionLevel, "zstd compression level (1-22)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected a single NCA path")
	}
	if *level < 1 || *level > 22 {
		*level = nsz.DefaultCompressionLevel
	}

	inputPath := fs.Arg(0)
	n, err := openNca(inputPath, *keysPath)
	if err != nil {
		return err
	}
	src, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(inputPath + ".ncz")
	if err != nil {
		return err
	}
	defer out.Close()

	written, err := nsz.CompressNca(n, src, info.Size(), out, *level)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes (%.1f%% of original)\n", written, 100*float64(written)/float64(info.Size()))
	return nil
}

func runDecompress(args []string) error {
	fs := flag.NewFlagSet("decompress", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected a single NCZ path")
	}

	inputPath := fs.Arg(0)
	src, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(inputPath + ".nca")
	if err != nil {
		return err
	}
	defer out.Close()

	if err := nsz.Decompress(src, out); err != nil {
		return err
	}
	fmt.Println("decompression complete")
	return nil
}
