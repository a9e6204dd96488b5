package syncctl

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"syncd/pkg/artifact"
)

const (
	manifestFileName = "manifest.yaml"
	templatesDir     = "templates"
	maxEntryBytes    = 16 << 20
)

type bundleFile struct {
	entry ManifestEntry
	data  []byte
}

// Export pulls artifacts from a publisher into a signed tar.zst bundle at cfg.Output.
// Versions are recorded oldest first so an import replays them in publish order.
func Export(ctx context.Context, cfg ExportConfig) (*Manifest, error) {
	if cfg.Client == nil {
		return nil, errors.New("publisher client is required")
	}
	if len(cfg.TemplateIDs) == 0 {
		return nil, errors.New("at least one template id is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	var files []bundleFile
	for _, id := range cfg.TemplateIDs {
		history, err := cfg.Client.History(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("history of %s: %w", id, err)
		}
		if len(history) == 0 {
			continue
		}
		if !cfg.AllVersions {
			history = history[:1]
		}
		slices.Reverse(history)

		for _, v := range history {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			art, err := cfg.Client.Version(ctx, id, v.Version)
			if err != nil {
				return nil, fmt.Errorf("fetch %s@%s: %w", id, v.Version, err)
			}
			if err := artifact.Validate(art); err != nil {
				return nil, fmt.Errorf("%s@%s: %w", id, v.Version, err)
			}
			data, err := json.MarshalIndent(art, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("encode %s@%s: %w", id, v.Version, err)
			}
			sum := sha256.Sum256(data)
			files = append(files, bundleFile{
				entry: ManifestEntry{
					GlobalTemplateID: art.GlobalTemplateID.String(),
					Version:          art.Version,
					Name:             art.Name,
					Type:             art.Type,
					Checksum:         art.Checksum,
					Path:             path.Join(templatesDir, id.String(), url.PathEscape(art.Version)+".json"),
					Size:             int64(len(data)),
					SHA256:           hex.EncodeToString(sum[:]),
				},
				data: data,
			})
		}
	}
	if len(files) == 0 {
		return nil, errors.New("no template versions found to export")
	}

	manifest := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Source:           cfg.Client.baseURL,
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKey(),
	}
	for _, f := range files {
		manifest.Templates = append(manifest.Templates, f.entry)
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	if manifest.Signature, err = cfg.Signer.Sign(payload); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	encoded, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, encoded, files, manifest.CreatedAt); err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d template versions)\n", cfg.Output, len(files))
	return manifest, nil
}

func writeBundle(output string, manifest []byte, files []bundleFile, modTime time.Time) (err error) {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close output file: %w", cerr)
		}
	}()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	write := func(name string, data []byte) error {
		header := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %q: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write %q: %w", name, err)
		}
		return nil
	}

	if err := write(manifestFileName, manifest); err != nil {
		return err
	}
	for _, f := range files {
		if err := write(f.entry.Path, f.data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// ImportResult summarizes an Import.
type ImportResult struct {
	Manifest  *Manifest
	Published int
	Skipped   int
}

// Import verifies a bundle and publishes each artifact into the publisher behind
// cfg.Client. Versions the publisher already holds with the same checksum are skipped;
// a held version with different content aborts the import.
func Import(ctx context.Context, cfg ImportConfig) (*ImportResult, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("publisher client is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	manifest, contents, err := readBundle(ctx, cfg.BundlePath)
	if err != nil {
		return nil, err
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := cfg.Signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest: %w", err)
	}
	fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format(time.RFC3339))

	arts := make([]artifact.Artifact, 0, len(manifest.Templates))
	for _, entry := range manifest.Templates {
		art, err := checkEntry(entry, contents)
		if err != nil {
			return nil, err
		}
		arts = append(arts, art)
	}

	result := &ImportResult{Manifest: manifest}
	for _, art := range arts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ref := art.GlobalTemplateID.String() + "@" + art.Version

		published, err := cfg.Client.Publish(ctx, art)
		switch {
		case err == nil:
			if published.Checksum != art.Checksum {
				return result, fmt.Errorf("%s: publisher computed checksum %s, bundle has %s", ref, published.Checksum, art.Checksum)
			}
			result.Published++
			fmt.Fprintf(cfg.Stdout, "published %s\n", ref)
		case IsConflict(err):
			existing, getErr := cfg.Client.Version(ctx, art.GlobalTemplateID, art.Version)
			if getErr != nil {
				return result, fmt.Errorf("%s: %w", ref, getErr)
			}
			if existing.Checksum != art.Checksum {
				return result, fmt.Errorf("%s: publisher holds different content for this version", ref)
			}
			result.Skipped++
			fmt.Fprintf(cfg.Stdout, "skipped %s (already published)\n", ref)
		default:
			return result, fmt.Errorf("publish %s: %w", ref, err)
		}
	}
	return result, nil
}

func readBundle(ctx context.Context, bundlePath string) (*Manifest, map[string][]byte, error) {
	file, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var manifestBytes []byte
	contents := map[string][]byte{}
	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(header.Name)
		if name != manifestFileName && !strings.HasPrefix(name, templatesDir+"/") {
			return nil, nil, fmt.Errorf("unexpected bundle entry %q", header.Name)
		}
		if header.Size > maxEntryBytes {
			return nil, nil, fmt.Errorf("bundle entry %q too large", name)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxEntryBytes))
		if err != nil {
			return nil, nil, fmt.Errorf("read %q: %w", name, err)
		}
		if name == manifestFileName {
			manifestBytes = data
			continue
		}
		contents[name] = data
	}

	if len(manifestBytes) == 0 {
		return nil, nil, fmt.Errorf("bundle missing %s", manifestFileName)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, nil, errors.New("manifest missing signature")
	}
	return &manifest, contents, nil
}

func checkEntry(entry ManifestEntry, contents map[string][]byte) (artifact.Artifact, error) {
	data, ok := contents[path.Clean(entry.Path)]
	if !ok {
		return artifact.Artifact{}, fmt.Errorf("%q missing from bundle", entry.Path)
	}
	if int64(len(data)) != entry.Size {
		return artifact.Artifact{}, fmt.Errorf("size mismatch for %q: expected %d got %d", entry.Path, entry.Size, len(data))
	}
	sum := sha256.Sum256(data)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), entry.SHA256) {
		return artifact.Artifact{}, fmt.Errorf("sha256 mismatch for %q", entry.Path)
	}

	art, err := artifact.DecodeBlob(data)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("%q: %w", entry.Path, err)
	}
	if err := artifact.Validate(art); err != nil {
		return artifact.Artifact{}, fmt.Errorf("%q: %w", entry.Path, err)
	}
	if art.GlobalTemplateID.String() != entry.GlobalTemplateID || art.Version != entry.Version || art.Checksum != entry.Checksum {
		return artifact.Artifact{}, fmt.Errorf("%q does not match its manifest entry", entry.Path)
	}
	return art, nil
}
