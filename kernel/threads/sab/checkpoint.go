package sab

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/andybalholm/brotli"
	"golang.org/x/crypto/blake2b"
)

const (
	checkpointMagic   = "TWCK"
	checkpointVersion = uint32(1)
)

var ErrCheckpointDigest = errors.New("checkpoint digest mismatch")

// CheckpointInfo describes a checkpoint image.
type CheckpointInfo struct {
	Name    string
	PageSz  uint64
	PageCnt uint64
	Digest  [blake2b.Size256]byte
}

// Checkpoint writes a compressed image of the workspace to w. Take it while
// no tile is running; a live pipeline yields a torn image.
func Checkpoint(w io.Writer, ws *Workspace) (CheckpointInfo, error) {
	image := ws.Bytes()
	info := CheckpointInfo{
		Name:    ws.Provider().Name(),
		PageSz:  ws.PageSz(),
		PageCnt: ws.PageCnt(),
		Digest:  blake2b.Sum256(image),
	}
	if uint64(len(image)) != info.PageSz*info.PageCnt {
		return info, &LayoutError{Code: "BAD_GEOMETRY", Message: info.Name + " size disagrees with header"}
	}

	var hdr bytes.Buffer
	hdr.WriteString(checkpointMagic)
	_ = binary.Write(&hdr, binary.LittleEndian, checkpointVersion)
	_ = binary.Write(&hdr, binary.LittleEndian, uint16(len(info.Name)))
	hdr.WriteString(info.Name)
	_ = binary.Write(&hdr, binary.LittleEndian, info.PageSz)
	_ = binary.Write(&hdr, binary.LittleEndian, info.PageCnt)
	hdr.Write(info.Digest[:])
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return info, fmt.Errorf("write checkpoint header: %w", err)
	}

	bw := brotli.NewWriterLevel(w, brotli.BestSpeed)
	if _, err := bw.Write(image); err != nil {
		return info, fmt.Errorf("compress %s: %w", info.Name, err)
	}
	if err := bw.Close(); err != nil {
		return info, fmt.Errorf("compress %s: %w", info.Name, err)
	}
	return info, nil
}

// ReadCheckpointInfo parses a checkpoint header, leaving r at the payload.
func ReadCheckpointInfo(r io.Reader) (CheckpointInfo, error) {
	var info CheckpointInfo
	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return info, fmt.Errorf("read checkpoint magic: %w", err)
	}
	if string(magic) != checkpointMagic {
		return info, &LayoutError{Code: "BAD_MAGIC", Message: "not a workspace checkpoint"}
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return info, err
	}
	if version != checkpointVersion {
		return info, &LayoutError{Code: "BAD_VERSION", Message: fmt.Sprintf("checkpoint version %d", version)}
	}
	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return info, err
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return info, err
	}
	info.Name = string(name)
	if err := binary.Read(r, binary.LittleEndian, &info.PageSz); err != nil {
		return info, err
	}
	if err := binary.Read(r, binary.LittleEndian, &info.PageCnt); err != nil {
		return info, err
	}
	if _, err := io.ReadFull(r, info.Digest[:]); err != nil {
		return info, err
	}
	if err := checkImageGeometry(info); err != nil {
		return info, err
	}
	return info, nil
}

// checkImageGeometry bounds the image size a header may ask Restore to
// allocate.
func checkImageGeometry(info CheckpointInfo) error {
	switch info.PageSz {
	case PAGE_NORMAL, PAGE_HUGE, PAGE_GIGANTIC:
	default:
		return &LayoutError{Code: "BAD_GEOMETRY", Message: fmt.Sprintf("checkpoint %s page size %d", info.Name, info.PageSz)}
	}
	if info.PageCnt == 0 || info.PageCnt > uint64(math.MaxInt)/info.PageSz {
		return &LayoutError{Code: "BAD_GEOMETRY", Message: fmt.Sprintf("checkpoint %s page count %d", info.Name, info.PageCnt)}
	}
	return nil
}

// Restore recreates the checkpointed region in backend and verifies it.
// The region must not already exist.
func Restore(r io.Reader, backend Backend) (*Workspace, error) {
	br := bufio.NewReader(r)
	info, err := ReadCheckpointInfo(br)
	if err != nil {
		return nil, err
	}
	image := make([]byte, info.PageSz*info.PageCnt)
	if _, err := io.ReadFull(brotli.NewReader(br), image); err != nil {
		return nil, fmt.Errorf("decompress %s: %w", info.Name, err)
	}
	if blake2b.Sum256(image) != info.Digest {
		return nil, fmt.Errorf("restore %s: %w", info.Name, ErrCheckpointDigest)
	}

	mem, err := backend.Create(info.Name, info.PageSz, info.PageCnt)
	if err != nil {
		return nil, err
	}
	if err := mem.WriteAt(0, image); err != nil {
		_ = mem.Close()
		_ = backend.Remove(info.Name)
		return nil, err
	}
	ws, err := JoinWorkspace(mem)
	if err != nil {
		_ = mem.Close()
		_ = backend.Remove(info.Name)
		return nil, err
	}
	return ws, nil
}
