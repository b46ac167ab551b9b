package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const (
	KindWorld   = "world"
	KindHistory = "history"
)

type Header struct {
	Version int    `json:"version"`
	Kind    string `json:"kind"`
	WorldID string `json:"world_id,omitempty"`
	Session string `json:"session,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
}

type WorldV1 struct {
	Header Header `json:"header"`

	Seed   int64    `json:"seed"`
	Height int      `json:"height"`
	Layers []uint16 `json:"layers,omitempty"`

	Chunks []ChunkV1 `json:"chunks"`
}

type ChunkV1 struct {
	CX     int      `json:"cx"`
	CZ     int      `json:"cz"`
	Height int      `json:"height"`
	Blocks []uint16 `json:"blocks"`
	Data   []uint8  `json:"data"`
}

// Encode writes a zstd stream holding one JSON header line followed by the gob
// encoding of v. The header stays readable without decoding the body.
func Encode(w io.Writer, h Header, v any) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(v); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Decode reads a stream written by Encode into v and returns its header.
func Decode(r io.Reader, v any) (Header, error) {
	var h Header
	dec, err := zstd.NewReader(r)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(v); err != nil {
		return h, fmt.Errorf("gob decode: %w", err)
	}
	return h, nil
}

// WriteFile encodes v to path through a temp file and rename.
func WriteFile(path string, h Header, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, h, v); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func ReadFile(path string, v any) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return Decode(f, v)
}

func WriteWorld(path string, snap WorldV1) error {
	snap.Header.Kind = KindWorld
	if snap.Header.Version == 0 {
		snap.Header.Version = 1
	}
	return WriteFile(path, snap.Header, &snap)
}

func ReadWorld(path string) (WorldV1, error) {
	var snap WorldV1
	h, err := ReadFile(path, &snap)
	if err != nil {
		return snap, err
	}
	if h.Kind != KindWorld {
		return snap, fmt.Errorf("snapshot kind mismatch: got %q want %q", h.Kind, KindWorld)
	}
	return snap, nil
}
