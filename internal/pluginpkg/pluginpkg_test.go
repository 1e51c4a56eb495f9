package pluginpkg

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTarGz(t *testing.T, manifest Manifest, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)
	writeEntry(t, tw, "manifest.json", manifestJSON)
	for name, content := range files {
		writeEntry(t, tw, name, []byte(content))
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(data)
	require.NoError(t, err)
}

func TestParseAndVerifyValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	files := map[string]string{"index.js": "console.log('hi')", "lib/helper.js": "module.exports = {}"}

	concatenated := concatSorted(files)
	sum := sha256.Sum256(concatenated)
	message := []byte(fmt.Sprintf("%x%s%s", sum, "my-plugin", "1.0.0"))
	sig := ed25519.Sign(priv, message)

	manifest := Manifest{ID: "my-plugin", Version: "1.0.0", Signature: base64.StdEncoding.EncodeToString(sig)}
	archive := buildTarGz(t, manifest, files)

	pkg, err := Parse(bytes.NewReader(archive))
	require.NoError(t, err)
	require.Equal(t, "my-plugin", pkg.Manifest.ID)

	require.NoError(t, pkg.VerifySignature(pub))
}

func TestVerifySignatureRejectsTamperedFile(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	files := map[string]string{"index.js": "console.log('hi')"}
	concatenated := concatSorted(files)
	sum := sha256.Sum256(concatenated)
	message := []byte(fmt.Sprintf("%x%s%s", sum, "my-plugin", "1.0.0"))
	sig := ed25519.Sign(priv, message)

	manifest := Manifest{ID: "my-plugin", Version: "1.0.0", Signature: base64.StdEncoding.EncodeToString(sig)}
	tampered := map[string]string{"index.js": "console.log('evil')"}
	archive := buildTarGz(t, manifest, tampered)

	pkg, err := Parse(bytes.NewReader(archive))
	require.NoError(t, err)
	require.Error(t, pkg.VerifySignature(pub))
}

func TestVerifyLegacySignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	indexJS := []byte("console.log('legacy')")
	sum := sha256.Sum256(indexJS)
	message := []byte(fmt.Sprintf("%x%s%s", sum, "legacy-plugin", "0.9.0"))
	sig := ed25519.Sign(priv, message)
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	require.NoError(t, VerifyLegacySignature(pub, indexJS, "legacy-plugin", "0.9.0", sigB64))
	require.Error(t, VerifyLegacySignature(pub, []byte("tampered"), "legacy-plugin", "0.9.0", sigB64))
}

func concatSorted(files map[string]string) []byte {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	// mirror package's sort.Strings ordering
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}
	var buf []byte
	for _, n := range names {
		buf = append(buf, []byte(files[n])...)
	}
	return buf
}
