package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/adfharrison1/go-docstore/pkg/codec"
)

const (
	// MagicBytes identify our snapshot file format
	MagicBytes = "DOCS"
	// FormatVersion is the current snapshot version
	FormatVersion = 1
	// FileExtension for snapshot files
	FileExtension = ".docstore"
)

// FileHeader is the fixed prefix of a snapshot file.
type FileHeader struct {
	Magic    [4]byte // "DOCS"
	Version  uint8
	Flags    uint8   // bit 0: lz4 block compression
	Reserved [2]byte // reserved for future use
}

const flagLZ4 = 1 << 0

// snapshotData is the persisted form: every document in its wire encoding
// so the snapshot survives value-type changes in the engine.
type snapshotData struct {
	Collections map[string][][]byte   `msgpack:"collections"`
	Metadata    map[string]interface{} `msgpack:"metadata,omitempty"`
}

func writeHeader(w io.Writer) error {
	header := FileHeader{
		Magic:   [4]byte{'D', 'O', 'C', 'S'},
		Version: FormatVersion,
		Flags:   flagLZ4,
	}
	return binary.Write(w, binary.LittleEndian, header)
}

func readHeader(r io.Reader) (*FileHeader, error) {
	var header FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if string(header.Magic[:]) != MagicBytes {
		return nil, fmt.Errorf("invalid file format: expected %s, got %s", MagicBytes, string(header.Magic[:]))
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported file version: %d", header.Version)
	}
	return &header, nil
}

// SaveToFile writes every collection to a compressed snapshot.
func (e *Engine) SaveToFile(filename string) error {
	e.mu.RLock()
	data := snapshotData{Collections: make(map[string][][]byte)}
	for name, coll := range e.collections {
		lock := e.getOrCreateCollectionLock(name)
		lock.mu.RLock()
		encoded := make([][]byte, 0, len(coll.order))
		for _, key := range coll.order {
			raw, err := codec.Encode(coll.docs[key])
			if err != nil {
				lock.mu.RUnlock()
				e.mu.RUnlock()
				return fmt.Errorf("failed to encode document in %s: %w", name, err)
			}
			encoded = append(encoded, raw)
		}
		lock.mu.RUnlock()
		data.Collections[name] = encoded
	}
	e.mu.RUnlock()

	msgpackData, err := msgpack.Marshal(&data)
	if err != nil {
		return fmt.Errorf("failed to encode MessagePack: %w", err)
	}
	compressed := make([]byte, lz4.CompressBlockBound(len(msgpackData)))
	var hashTable [1 << 16]int
	n, err := lz4.CompressBlock(msgpackData, compressed, hashTable[:])
	if err != nil {
		return fmt.Errorf("failed to compress data: %w", err)
	}
	compressed = compressed[:n]

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()
	if err := writeHeader(file); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(msgpackData)))
	if _, err := file.Write(size[:]); err != nil {
		return fmt.Errorf("failed to write size: %w", err)
	}
	if _, err := file.Write(compressed); err != nil {
		return fmt.Errorf("failed to write compressed data: %w", err)
	}
	return nil
}

// LoadFromFile restores a snapshot. A missing file is not an error; the
// engine simply starts empty.
func (e *Engine) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	header, err := readHeader(file)
	if err != nil {
		return fmt.Errorf("invalid file header: %w", err)
	}
	var size [8]byte
	if _, err := io.ReadFull(file, size[:]); err != nil {
		return fmt.Errorf("failed to read size: %w", err)
	}
	uncompressedSize := binary.LittleEndian.Uint64(size[:])
	raw, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read compressed data: %w", err)
	}
	msgpackData := raw
	if header.Flags&flagLZ4 != 0 {
		msgpackData = make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(raw, msgpackData)
		if err != nil {
			return fmt.Errorf("failed to decompress data: %w", err)
		}
		msgpackData = msgpackData[:n]
	}

	var data snapshotData
	if err := msgpack.Unmarshal(msgpackData, &data); err != nil {
		return fmt.Errorf("failed to decode MessagePack: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, encoded := range data.Collections {
		coll := newCollection(name)
		for _, raw := range encoded {
			doc, err := codec.Decode(raw)
			if err != nil {
				return fmt.Errorf("failed to decode document in %s: %w", name, err)
			}
			id, _ := doc.Get(codec.IDFieldName)
			key := idKey(id)
			coll.docs[key] = doc
			coll.order = append(coll.order, key)
		}
		e.collections[name] = coll
	}
	return nil
}
