package llmpipeline

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"strings"

	"github.com/nbot/orchestrator/internal/nberr"
)

// archiveEntry is one candidate log/text file found inside a downloaded
// archive.
type archiveEntry struct {
	Name string
	Size int64
	Data []byte
}

// ArchiveKind enumerates the container formats ArchiveFromUrl recognizes.
type ArchiveKind int

const (
	ArchiveUnknown ArchiveKind = iota
	ArchiveZip
	ArchiveTar
	ArchiveTarGz
	ArchiveGz
)

// DetectArchiveKind sniffs kind from a filename.
func DetectArchiveKind(name string) ArchiveKind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return ArchiveZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return ArchiveTarGz
	case strings.HasSuffix(lower, ".tar"):
		return ArchiveTar
	case strings.HasSuffix(lower, ".gz"):
		return ArchiveGz
	default:
		return ArchiveUnknown
	}
}

// listArchiveEntries enumerates text-like entries (.log/.txt) in data
// according to kind, lazily reading each entry's bytes up to maxFileBytes.
func listArchiveEntries(kind ArchiveKind, data []byte, maxFileBytes int64) ([]archiveEntry, error) {
	switch kind {
	case ArchiveZip:
		return listZipEntries(data, maxFileBytes)
	case ArchiveTarGz:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, nberr.Wrap(nberr.BadRequest, "open tar.gz", err)
		}
		defer gz.Close()
		return listTarEntries(gz, maxFileBytes)
	case ArchiveTar:
		return listTarEntries(bytes.NewReader(data), maxFileBytes)
	case ArchiveGz:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, nberr.Wrap(nberr.BadRequest, "open gz", err)
		}
		defer gz.Close()
		body, err := io.ReadAll(io.LimitReader(gz, maxFileBytes))
		if err != nil {
			return nil, nberr.Wrap(nberr.BadRequest, "read gz body", err)
		}
		return []archiveEntry{{Name: "(gz content)", Size: int64(len(body)), Data: body}}, nil
	default:
		return nil, nberr.New(nberr.BadRequest, "unrecognized archive format")
	}
}

func listZipEntries(data []byte, maxFileBytes int64) ([]archiveEntry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "open zip", err)
	}
	var out []archiveEntry
	for _, f := range zr.File {
		if !isLogLike(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(rc, maxFileBytes))
		rc.Close()
		if err != nil {
			continue
		}
		out = append(out, archiveEntry{Name: f.Name, Size: int64(f.UncompressedSize64), Data: body})
	}
	return out, nil
}

func listTarEntries(r io.Reader, maxFileBytes int64) ([]archiveEntry, error) {
	tr := tar.NewReader(r)
	var out []archiveEntry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nberr.Wrap(nberr.BadRequest, "read tar entry", err)
		}
		if hdr.Typeflag != tar.TypeReg || !isLogLike(hdr.Name) {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(tr, maxFileBytes))
		if err != nil {
			continue
		}
		out = append(out, archiveEntry{Name: hdr.Name, Size: hdr.Size, Data: body})
	}
	return out, nil
}

func isLogLike(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".txt")
}

// scoreEntry ranks an archive entry for "best log file" selection
//: hard-coded boosts for latest.log, hs_err*,
// crash*, configurable keyword matches, plus a quantized size bonus.
func scoreEntry(e archiveEntry, keywords []string) int {
	lowerName := strings.ToLower(e.Name)
	score := 0

	if strings.Contains(lowerName, "latest.log") {
		score += 500
	}
	if strings.Contains(lowerName, "hs_err") {
		score += 400
	}
	if strings.Contains(lowerName, "crash") {
		score += 400
	}
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowerName, strings.ToLower(kw)) {
			score += 300
		}
	}

	// Quantized size bonus: larger files score slightly higher, in 100KB
	// buckets, capped so it never outweighs a name-based boost.
	sizeBucket := e.Size / (100 * 1024)
	if sizeBucket > 10 {
		sizeBucket = 10
	}
	score += int(sizeBucket)

	return score
}

// SelectBestLogEntry picks the highest-scoring candidate among entries.
func SelectBestLogEntry(entries []archiveEntry, keywords []string) (archiveEntry, bool) {
	if len(entries) == 0 {
		return archiveEntry{}, false
	}
	best := entries[0]
	bestScore := scoreEntry(best, keywords)
	for _, e := range entries[1:] {
		s := scoreEntry(e, keywords)
		if s > bestScore {
			best, bestScore = e, s
		}
	}
	return best, true
}
