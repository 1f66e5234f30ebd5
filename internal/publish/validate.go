package publish

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	packageNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	versionPattern     = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+(-[A-Za-z0-9.]+)?(\+[A-Za-z0-9.]+)?$`)
)

const manifestFileName = "pubspec.yaml"

// manifest is the subset of the archive's manifest file this pipeline
// cares about; unknown fields are ignored.
type manifest struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// extracted holds the validated result of unpacking and parsing an
// archive: its content hash, the manifest it declared, and the manifest
// bytes themselves (persisted verbatim on the PackageVersion row).
type extracted struct {
	SHA256Hex    string
	Name         string
	Version      string
	ManifestYAML []byte
}

// extractAndValidate runs steps 1-3 of the finalize validation: hash the
// raw bytes, gzip-decompress, tar-extract, locate the manifest at the
// shallowest path, and parse+validate its name/version fields.
func extractAndValidate(raw []byte) (*extracted, error) {
	sum := sha256.Sum256(raw)

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, newPublishError("invalid_archive", "archive is not valid gzip: "+err.Error())
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	var best string
	var bestDepth = -1
	var bestBody []byte

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newPublishError("invalid_archive", "archive is not a valid tar stream: "+err.Error())
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if filepathBase(name) != manifestFileName {
			continue
		}

		depth := strings.Count(name, "/")
		if bestDepth == -1 || depth < bestDepth {
			body, err := io.ReadAll(tr)
			if err != nil {
				return nil, newPublishError("invalid_archive", "reading manifest from archive: "+err.Error())
			}
			best = name
			bestDepth = depth
			bestBody = body
		}
	}

	if best == "" {
		return nil, newPublishError("missing_manifest", "archive does not contain a pubspec.yaml")
	}

	var m manifest
	if err := yaml.Unmarshal(bestBody, &m); err != nil {
		return nil, newPublishError("invalid_manifest", "pubspec.yaml is not valid YAML: "+err.Error())
	}

	if !packageNamePattern.MatchString(m.Name) {
		return nil, newPublishError("invalid_name", fmt.Sprintf("package name %q does not match ^[a-z][a-z0-9_]*$", m.Name))
	}
	if !versionPattern.MatchString(m.Version) {
		return nil, newPublishError("invalid_version", fmt.Sprintf("version %q is not a valid semantic version", m.Version))
	}

	return &extracted{
		SHA256Hex:    hex.EncodeToString(sum[:]),
		Name:         m.Name,
		Version:      m.Version,
		ManifestYAML: bestBody,
	}, nil
}

func filepathBase(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
