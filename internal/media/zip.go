package media

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// UploadEntry is one change extracted from a client batch zip. Data is nil
// for deletions. Oversized entries carry no data; the caller counts them as
// handled without registering anything.
type UploadEntry struct {
	Fname     string
	Data      []byte
	Oversized bool
}

// ParseUploadZip unpacks a client batch: numbered entries plus a _meta
// manifest listing [filename, entry-name-or-null] pairs, null marking a
// deletion.
func ParseUploadZip(data []byte, maxFileBytes int64) ([]UploadEntry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid media zip: %w", err)
	}

	byName := make(map[string]*zip.File, len(zr.File))
	var metaFile *zip.File
	for _, f := range zr.File {
		if f.Name == "_meta" {
			metaFile = f
			continue
		}
		byName[f.Name] = f
	}
	if metaFile == nil {
		return nil, fmt.Errorf("media zip missing _meta manifest")
	}

	rc, err := metaFile.Open()
	if err != nil {
		return nil, err
	}
	metaRaw, err := io.ReadAll(io.LimitReader(rc, 1<<20))
	rc.Close()
	if err != nil {
		return nil, err
	}

	var manifest [][2]*string
	if err := json.Unmarshal(metaRaw, &manifest); err != nil {
		return nil, fmt.Errorf("invalid _meta manifest: %w", err)
	}

	var entries []UploadEntry
	for _, pair := range manifest {
		if pair[0] == nil {
			return nil, fmt.Errorf("manifest entry missing filename")
		}
		fname := *pair[0]
		if pair[1] == nil {
			entries = append(entries, UploadEntry{Fname: fname})
			continue
		}
		zf, ok := byName[*pair[1]]
		if !ok {
			return nil, fmt.Errorf("manifest references missing zip entry %q", *pair[1])
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxFileBytes+1))
		rc.Close()
		if err != nil {
			return nil, err
		}
		if int64(len(content)) > maxFileBytes {
			entries = append(entries, UploadEntry{Fname: fname, Oversized: true})
			continue
		}
		entries = append(entries, UploadEntry{Fname: fname, Data: content})
	}
	return entries, nil
}

// zipBuilder accumulates a download batch: numbered entries plus a _meta
// manifest mapping entry name back to filename.
type zipBuilder struct {
	buf      bytes.Buffer
	zw       *zip.Writer
	manifest map[string]string
	next     int
	bytes    int64
}

func newZipBuilder() *zipBuilder {
	b := &zipBuilder{manifest: map[string]string{}}
	b.zw = zip.NewWriter(&b.buf)
	return b
}

func (b *zipBuilder) add(fname string, data []byte) error {
	name := strconv.Itoa(b.next)
	w, err := b.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	b.manifest[name] = fname
	b.next++
	b.bytes += int64(len(data))
	return nil
}

func (b *zipBuilder) finish() ([]byte, error) {
	meta, err := json.Marshal(b.manifest)
	if err != nil {
		return nil, err
	}
	w, err := b.zw.Create("_meta")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(meta); err != nil {
		return nil, err
	}
	if err := b.zw.Close(); err != nil {
		return nil, err
	}
	return b.buf.Bytes(), nil
}
