// Package pluginpkg parses plugin packages and verifies their signatures:
// the native tar.gz manifest format, and a legacy single-file fallback
// signature for backward compatibility. Its caller is the "nbotctl plugin
// verify" command; PluginHost.Load performs no signature check.
package pluginpkg

import (
	"archive/tar"
	"compress/gzip"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/nbot/orchestrator/internal/nberr"
)

// Manifest is the native package's manifest.json.
type Manifest struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Signature string `json:"signature"` // base64 ed25519 signature
}

// Package is a parsed tar.gz plugin package: its manifest plus every
// other file's contents keyed by path.
type Package struct {
	Manifest Manifest
	Files    map[string][]byte // path -> contents, excludes manifest.json
}

// Parse reads a tar.gz plugin package from r.
func Parse(r io.Reader) (*Package, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "open gzip stream", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	pkg := &Package{Files: make(map[string][]byte)}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nberr.Wrap(nberr.BadRequest, "read tar entry", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, nberr.Wrap(nberr.BadRequest, "read tar entry body: "+hdr.Name, err)
		}
		if hdr.Name == "manifest.json" {
			if err := json.Unmarshal(data, &pkg.Manifest); err != nil {
				return nil, nberr.Wrap(nberr.BadRequest, "parse manifest.json", err)
			}
			continue
		}
		pkg.Files[hdr.Name] = data
	}

	if pkg.Manifest.ID == "" {
		return nil, nberr.New(nberr.BadRequest, "package missing manifest.json")
	}
	return pkg, nil
}

// concatenatedSortedFiles deterministically concatenates every non-manifest
// file's contents, sorted by path, the input to the native signature.
func (p *Package) concatenatedSortedFiles() []byte {
	paths := make([]string, 0, len(p.Files))
	for path := range p.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var buf []byte
	for _, path := range paths {
		buf = append(buf, p.Files[path]...)
	}
	return buf
}

// VerifySignature checks the manifest's signature against pubKey, using
// the native scheme: ed25519 over hex(sha256(concatenated sorted files)) ||
// plugin_id || version.
func (p *Package) VerifySignature(pubKey ed25519.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(p.Manifest.Signature)
	if err != nil {
		return nberr.Wrap(nberr.BadRequest, "decode signature", err)
	}

	sum := sha256.Sum256(p.concatenatedSortedFiles())
	message := signedMessage(sum[:], p.Manifest.ID, p.Manifest.Version)
	if !ed25519.Verify(pubKey, message, sig) {
		return nberr.New(nberr.BadRequest, "invalid plugin signature for "+p.Manifest.ID)
	}
	return nil
}

// VerifyLegacySignature checks a single-file ("index.js") package using the
// backward-compatible scheme: ed25519 over hex(sha256(index.js)) ||
// plugin_id || version.
func VerifyLegacySignature(pubKey ed25519.PublicKey, indexJS []byte, pluginID, version, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return nberr.Wrap(nberr.BadRequest, "decode legacy signature", err)
	}
	sum := sha256.Sum256(indexJS)
	message := signedMessage(sum[:], pluginID, version)
	if !ed25519.Verify(pubKey, message, sig) {
		return nberr.New(nberr.BadRequest, "invalid legacy plugin signature for "+pluginID)
	}
	return nil
}

// signedMessage builds the exact byte sequence ed25519 signs: a hex-encoded
// content hash concatenated with the plugin id and version.
func signedMessage(contentHash []byte, pluginID, version string) []byte {
	return []byte(fmt.Sprintf("%x%s%s", contentHash, pluginID, version))
}
