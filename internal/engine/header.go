package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/schema"
	"github.com/kestrel-db/kestrel/internal/termindex"
	"github.com/kestrel-db/kestrel/pkg/vfs"
)

const headerFileName = "header.json"

// header is the combined-checksum file spec §3 describes: one checksum
// folding together the Schema Store, Document Store, and Term Index's
// own checksums, so Initialize can detect a directory that was tampered
// with or partially restored from backup even when each store's own
// on-disk checksum (if it has one) still verifies individually.
type header struct {
	Magic            uint32 `json:"magic"`
	Version          int    `json:"version"`
	SchemaChecksum   uint32 `json:"schema_checksum"`
	DocumentChecksum uint32 `json:"document_checksum"`
	IndexChecksum    uint32 `json:"index_checksum"`
	Combined         uint32 `json:"combined_checksum"`
}

const (
	headerMagic   = 0x4b53544c
	headerVersion = 1
)

func computeHeader(schemaStore *schema.Store, docStore *docstore.Store, index *termindex.Index) (header, error) {
	schemaSum, err := schemaStore.ComputeChecksum()
	if err != nil {
		return header{}, fmt.Errorf("computing schema checksum: %w", err)
	}
	docSum, err := docStore.ComputeChecksum()
	if err != nil {
		return header{}, fmt.Errorf("computing document store checksum: %w", err)
	}
	indexSum, err := index.ComputeChecksum()
	if err != nil {
		return header{}, fmt.Errorf("computing term index checksum: %w", err)
	}
	combined := schemaSum ^ (docSum * 2654435761) ^ (indexSum * 40503)
	return header{
		Magic:            headerMagic,
		Version:          headerVersion,
		SchemaChecksum:   schemaSum,
		DocumentChecksum: docSum,
		IndexChecksum:    indexSum,
		Combined:         combined,
	}, nil
}

func writeHeader(baseDir string, fsys vfs.FS, h header) error {
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	finalPath := vfs.JoinDataFile(baseDir, headerFileName)
	tmpPath := finalPath + ".tmp"

	f, err := fsys.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp header file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("writing header payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing header file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing header file: %w", err)
	}
	return fsys.Rename(tmpPath, finalPath)
}

// readHeader returns the persisted header, or (header{}, false, nil) if
// none exists yet (a brand-new base directory).
func readHeader(baseDir string, fsys vfs.FS) (header, bool, error) {
	f, err := fsys.Open(vfs.JoinDataFile(baseDir, headerFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return header{}, false, nil
		}
		return header{}, false, fmt.Errorf("opening header file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.NewSectionReader(f, 0, 1<<62))
	if err != nil {
		return header{}, false, fmt.Errorf("reading header file: %w", err)
	}
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return header{}, false, fmt.Errorf("parsing header file: %w", err)
	}
	return h, true, nil
}
