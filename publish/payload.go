// Package publish implements the publish pipeline: payload parsing,
// metadata validation, the reserve/store/commit/append saga, and
// yank/unyank. Failures before the archive is durable abort cleanly;
// failures after it are healed by index reconciliation.
package publish

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/klauspost/compress/gzip"
)

// Payload framing limits. The metadata document is small; the crate
// bound is enforced again by the HTTP body limit upstream.
const (
	maxMetadataLen = 1 << 20 // 1 MiB
)

// Payload is a parsed publish request body.
type Payload struct {
	Metadata Metadata
	Crate    []byte
	Checksum string // sha256 hex of Crate
}

// ParsePayload decodes the binary publish framing: a little-endian
// u32 metadata length, the JSON metadata document, a little-endian u32
// crate length, and the .crate bytes.
func ParsePayload(r io.Reader, maxCrateLen int64) (*Payload, error) {
	metaLen, err := readLen(r)
	if err != nil {
		return nil, Validationf("read metadata length: %v", err)
	}
	if metaLen == 0 || metaLen > maxMetadataLen {
		return nil, Validationf("metadata length %d out of bounds", metaLen)
	}
	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBuf); err != nil {
		return nil, Validationf("read metadata: %v", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaBuf, &meta); err != nil {
		return nil, Validationf("decode metadata: %v", err)
	}

	crateLen, err := readLen(r)
	if err != nil {
		return nil, Validationf("read crate length: %v", err)
	}
	if crateLen == 0 || int64(crateLen) > maxCrateLen {
		return nil, Validationf("crate length %d out of bounds", crateLen)
	}
	crate := make([]byte, crateLen)
	if _, err := io.ReadFull(r, crate); err != nil {
		return nil, Validationf("read crate: %v", err)
	}

	sum := sha256.Sum256(crate)
	return &Payload{
		Metadata: meta,
		Crate:    crate,
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

func readLen(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// crateManifest is the subset of Cargo.toml the pipeline verifies.
type crateManifest struct {
	Package struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"package"`
}

// VerifyCrate checks that the crate bytes are a gzip-compressed tar
// archive containing a manifest whose name and version match the
// request metadata.
func VerifyCrate(crate []byte, name, version string) error {
	gz, err := gzip.NewReader(bytes.NewReader(crate))
	if err != nil {
		return Validationf("crate is not gzip compressed: %v", err)
	}
	defer gz.Close()

	wantDir := fmt.Sprintf("%s-%s", name, version)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return Validationf("crate archive has no %s/Cargo.toml", wantDir)
		}
		if err != nil {
			return Validationf("crate is not a tar archive: %v", err)
		}
		clean := path.Clean(hdr.Name)
		if strings.HasPrefix(clean, "..") {
			return Validationf("crate archive entry %q escapes the root", hdr.Name)
		}
		if clean != wantDir+"/Cargo.toml" {
			continue
		}

		var manifest crateManifest
		if _, err := toml.NewDecoder(tr).Decode(&manifest); err != nil {
			return Validationf("parse Cargo.toml: %v", err)
		}
		if manifest.Package.Name != name {
			return Validationf("manifest name %q does not match %q", manifest.Package.Name, name)
		}
		if manifest.Package.Version != version {
			return Validationf("manifest version %q does not match %q", manifest.Package.Version, version)
		}
		return nil
	}
}
