package schema

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/kestrel-db/kestrel/pkg/vfs"
)

const schemaFileName = "schema.json"

// footerSize is the length in bytes of the trailing CRC32 footer appended
// after the JSON payload, mirroring the teacher's segment-file
// header/footer checksum idiom (internal/indexer/segment.Writer).
const footerSize = 4

// Store owns the active Schema plus the SchemaTypeId/SectionId assignment
// derived from it, and persists both as a single checksummed file.
type Store struct {
	dir    string
	fs     vfs.FS
	schema Schema

	typeIds    map[string]int32
	typeNames  []string // index == SchemaTypeId
	sectionIds map[string]map[string]int32 // type name -> property name -> SectionId
}

// New creates an empty, unpersisted Store rooted at dir.
func New(dir string, fsys vfs.FS) *Store {
	s := &Store{dir: dir, fs: fsys}
	s.reindex(Schema{})
	return s
}

// Schema returns the currently active schema.
func (s *Store) Schema() Schema {
	return s.schema
}

// GetType returns the named TypeConfig, or false if unset.
func (s *Store) GetType(name string) (TypeConfig, bool) {
	return s.schema.GetType(name)
}

// SchemaTypeId returns the stable integer id assigned to the named type.
func (s *Store) SchemaTypeId(name string) (int32, bool) {
	id, ok := s.typeIds[name]
	return id, ok
}

// SchemaTypeName returns the type name for a previously-assigned id.
func (s *Store) SchemaTypeName(id int32) (string, bool) {
	if id < 0 || int(id) >= len(s.typeNames) {
		return "", false
	}
	return s.typeNames[id], true
}

// SectionId returns the SectionId assigned to an indexed string property
// of the named type.
func (s *Store) SectionId(typeName, propertyName string) (int32, bool) {
	sections, ok := s.sectionIds[typeName]
	if !ok {
		return 0, false
	}
	id, ok := sections[propertyName]
	return id, ok
}

// SectionsOf returns the ordered list of indexed string properties for the
// named type, in SectionId order.
func (s *Store) SectionsOf(typeName string) []PropertyConfig {
	t, ok := s.schema.GetType(typeName)
	if !ok {
		return nil
	}
	var out []PropertyConfig
	for _, p := range t.Properties {
		if p.Indexed() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Set validates newSchema, computes the compatibility Delta against the
// currently active schema, installs newSchema and reassigns
// SchemaTypeId/SectionId, and persists the result. The caller (engine
// coordinator) is responsible for acting on the Delta -- deleting
// documents, rebuilding the index -- before or after calling Set as its
// own consistency model requires; Set itself only replaces the schema
// store's own state.
func (s *Store) Set(newSchema Schema) (Delta, error) {
	if err := Validate(newSchema); err != nil {
		return Delta{}, err
	}
	delta := Diff(s.schema, newSchema)
	s.reindex(newSchema)
	if err := s.persist(); err != nil {
		return delta, err
	}
	return delta, nil
}

func (s *Store) reindex(newSchema Schema) {
	ordered := make([]TypeConfig, len(newSchema.Types))
	copy(ordered, newSchema.Types)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	s.schema = Schema{Types: newSchema.Types}
	s.typeIds = make(map[string]int32, len(ordered))
	s.typeNames = make([]string, len(ordered))
	s.sectionIds = make(map[string]map[string]int32, len(ordered))

	for i, t := range ordered {
		id := int32(i)
		s.typeIds[t.Name] = id
		s.typeNames[i] = t.Name

		sections := s.SectionsOf(t.Name)
		byName := make(map[string]int32, len(sections))
		for secID, p := range sections {
			byName[p.Name] = int32(secID)
		}
		s.sectionIds[t.Name] = byName
	}
}

// ComputeChecksum returns a checksum over the currently active schema,
// independent of whether it has been persisted. Folded into the
// engine's combined header checksum alongside the Document Store and
// Term Index checksums.
func (s *Store) ComputeChecksum() (uint32, error) {
	payload, err := json.Marshal(persistedForm{Types: s.schema.Types})
	if err != nil {
		return 0, fmt.Errorf("marshaling schema for checksum: %w", err)
	}
	return crc32.ChecksumIEEE(payload), nil
}

type persistedForm struct {
	Types []TypeConfig `json:"types"`
}

func (s *Store) persist() error {
	payload, err := json.Marshal(persistedForm{Types: s.schema.Types})
	if err != nil {
		return fmt.Errorf("marshaling schema: %w", err)
	}
	checksum := crc32.ChecksumIEEE(payload)

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating schema directory: %w", err)
	}
	finalPath := vfs.JoinDataFile(s.dir, schemaFileName)
	tmpPath := finalPath + ".tmp"

	f, err := s.fs.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp schema file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("writing schema payload: %w", err)
	}
	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(footer, checksum)
	if _, err := f.Write(footer); err != nil {
		f.Close()
		return fmt.Errorf("writing schema checksum: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing schema file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing schema file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming schema file into place: %w", err)
	}
	return nil
}

// Load opens a previously persisted Store from dir. If no schema file
// exists, an empty Store is returned (first Initialize of a fresh base
// directory). A checksum mismatch is reported as an error; the caller
// treats this as TOTAL_CHECKSUM_MISMATCH per the engine's recovery-cause
// taxonomy.
func Load(dir string, fsys vfs.FS) (*Store, error) {
	s := &Store{dir: dir, fs: fsys}

	f, err := fsys.Open(vfs.JoinDataFile(dir, schemaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			s.reindex(Schema{})
			return s, nil
		}
		return nil, fmt.Errorf("opening schema file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(asReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	if len(data) < footerSize {
		return nil, fmt.Errorf("schema file is truncated")
	}
	payload := data[:len(data)-footerSize]
	footer := data[len(data)-footerSize:]
	wantChecksum := binary.LittleEndian.Uint32(footer)
	gotChecksum := crc32.ChecksumIEEE(payload)
	if wantChecksum != gotChecksum {
		return nil, fmt.Errorf("schema file checksum mismatch: want %x got %x", wantChecksum, gotChecksum)
	}

	var form persistedForm
	if err := json.Unmarshal(payload, &form); err != nil {
		return nil, fmt.Errorf("parsing schema file: %w", err)
	}
	s.reindex(Schema{Types: form.Types})
	return s, nil
}

// asReader adapts a vfs.File (which exposes ReaderAt, not Reader, for
// random access) to io.Reader for a simple sequential full-file read.
func asReader(f vfs.File) io.Reader {
	return io.NewSectionReader(f, 0, 1<<62)
}
