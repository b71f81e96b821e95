package reliability

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"silentnas/pkg/core"
	"silentnas/pkg/types"

	"github.com/rs/zerolog/log"
)

// OpKind 是 WAL 记录的操作类型
type OpKind uint8

const (
	OpCreateVersion  OpKind = 1
	OpDeleteVersion  OpKind = 2
	OpDeleteFile     OpKind = 3
	OpGarbageCollect OpKind = 4
)

func (k OpKind) String() string {
	switch k {
	case OpCreateVersion:
		return "create_version"
	case OpDeleteVersion:
		return "delete_version"
	case OpDeleteFile:
		return "delete_file"
	case OpGarbageCollect:
		return "garbage_collect"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Entry 是一条 WAL 记录。
// Checksum 是除自身外全部字段规范化编码后的 SHA-256，
// 序列号严格递增，重放时两者共同判定记录是否可信。
type Entry struct {
	Sequence  uint64   `cbor:"1,keyasint"`
	Timestamp int64    `cbor:"2,keyasint"` // UnixNano
	Kind      OpKind   `cbor:"3,keyasint"`
	FileID    string   `cbor:"4,keyasint"`
	VersionID string   `cbor:"5,keyasint"`
	Chunks    []string `cbor:"6,keyasint"`
	Checksum  string   `cbor:"7,keyasint"`
}

// computeChecksum 对 Checksum 置空后的记录算哈希
func (e Entry) computeChecksum() (string, error) {
	e.Checksum = ""
	h, _, err := core.CalculateHash(e)
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

// VerifyChecksum 校验记录完整性
func (e Entry) VerifyChecksum() bool {
	want, err := e.computeChecksum()
	return err == nil && want == e.Checksum
}

var (
	ErrWALClosed = errors.New("wal is closed")
)

// WAL 是预写日志：所有改变元数据的操作先落盘再执行。
// 磁盘格式：[4 字节大端长度][CBOR 记录]，逐条 fsync。
// 重放在第一条损坏/截断的记录处停止，之前的前缀仍然有效。
type WAL struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	seq       uint64
	entries   []Entry // 自上次 checkpoint 以来的记录 (in-flight 判定用)
	confirmed map[uint64]struct{}
	closed    bool
}

// Open 打开（或创建）WAL。
// 已有文件会先被重放一遍：确定最后的序列号，并把损坏的尾巴截掉，
// 保证后续追加不会接在坏记录后面。
func Open(path string) (*WAL, []Entry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create wal dir: %w", err)
	}

	entries, validLen, err := replayFile(path)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open wal: %w", err)
	}

	// 截掉损坏的尾部
	if err := f.Truncate(validLen); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to truncate wal tail: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, nil, err
	}

	w := &WAL{path: path, file: f, entries: entries, confirmed: make(map[uint64]struct{})}
	if len(entries) > 0 {
		w.seq = entries[len(entries)-1].Sequence
	}
	return w, entries, nil
}

// replayFile 扫描 WAL 文件，返回有效前缀的记录和它的字节长度。
// 遇到截断、解码失败、校验和不符或序列号回退时立即停止——
// 坏记录之后的一切都不可信。
func replayFile(path string) ([]Entry, int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read wal: %w", err)
	}

	var entries []Entry
	var offset int64
	var lastSeq uint64

	for {
		remaining := data[offset:]
		if len(remaining) == 0 {
			break
		}
		if len(remaining) < 4 {
			log.Warn().Int64("offset", offset).Msg("wal: truncated length prefix, stopping replay")
			break
		}
		length := binary.BigEndian.Uint32(remaining[:4])
		if int(length) > len(remaining)-4 {
			log.Warn().Int64("offset", offset).Msg("wal: truncated record, stopping replay")
			break
		}

		var e Entry
		payload := remaining[4 : 4+length]
		if err := core.DecodeObject(payload, &e); err != nil {
			log.Warn().Int64("offset", offset).Err(err).Msg("wal: undecodable record, stopping replay")
			break
		}
		if !e.VerifyChecksum() {
			log.Warn().Uint64("seq", e.Sequence).Msg("wal: checksum mismatch, stopping replay")
			break
		}
		if e.Sequence <= lastSeq {
			log.Warn().Uint64("seq", e.Sequence).Uint64("last", lastSeq).Msg("wal: sequence regression, stopping replay")
			break
		}

		lastSeq = e.Sequence
		entries = append(entries, e)
		offset += int64(4 + length)
	}

	return entries, offset, nil
}

// Append 写入一条记录并 fsync。返回带上序列号和校验和的完整记录。
func (w *WAL) Append(kind OpKind, fileID types.FileID, versionID types.VersionID, chunks []types.Hash) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Entry{}, ErrWALClosed
	}

	chunkIDs := make([]string, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.String()
	}

	w.seq++
	e := Entry{
		Sequence:  w.seq,
		Timestamp: time.Now().UnixNano(),
		Kind:      kind,
		FileID:    fileID.String(),
		VersionID: versionID.String(),
		Chunks:    chunkIDs,
	}
	checksum, err := e.computeChecksum()
	if err != nil {
		return Entry{}, fmt.Errorf("wal checksum failed: %w", err)
	}
	e.Checksum = checksum

	buf, err := encodeFrame(e)
	if err != nil {
		return Entry{}, err
	}

	if _, err := w.file.Write(buf); err != nil {
		return Entry{}, fmt.Errorf("wal write failed: %w", err)
	}
	// 每条都 fsync：WAL 的全部意义就在于此
	if err := w.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("wal fsync failed: %w", err)
	}

	w.entries = append(w.entries, e)
	return e, nil
}

// encodeFrame 把一条记录编码成 [4 字节大端长度][CBOR] 帧
func encodeFrame(e Entry) ([]byte, error) {
	payload, err := core.EncodeCanonical(e)
	if err != nil {
		return nil, fmt.Errorf("wal encode failed: %w", err)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// Confirm 标记一条记录对应的操作已经完成（元数据事务已提交）。
// 已确认的记录在下次 checkpoint 时被丢弃；未确认的记录会被保留——
// 它们的块列表仍在保护一个进行中的操作。
func (w *WAL) Confirm(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.confirmed[seq] = struct{}{}
}

// Pending 返回自上次 checkpoint 以来的记录快照
func (w *WAL) Pending() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// InFlightChunks 返回当前 WAL 记录里提到的全部块哈希。
// GC 不许碰这个集合里的块：它们属于尚未确认完成的操作。
func (w *WAL) InFlightChunks() map[types.Hash]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := make(map[types.Hash]struct{})
	for _, e := range w.entries {
		for _, c := range e.Chunks {
			set[types.Hash(c)] = struct{}{}
		}
	}
	return set
}

// Checkpoint 在 GC 成功后调用：重写日志，只留下未确认的记录。
// 直接清空会撕掉仍在进行中的操作的保护伞——它们的 WAL 记录
// 还没 Confirm，对应的块可能已落盘但元数据未提交。
// 临时文件 + rename，任何时刻磁盘上都有一个结构完整的 WAL。
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	var keep []Entry
	for _, e := range w.entries {
		if _, ok := w.confirmed[e.Sequence]; !ok {
			keep = append(keep, e)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), "wal-*")
	if err != nil {
		return fmt.Errorf("wal checkpoint temp failed: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for _, e := range keep {
		buf, err := encodeFrame(e)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(buf); err != nil {
			tmp.Close()
			return fmt.Errorf("wal checkpoint write failed: %w", err)
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		return fmt.Errorf("wal checkpoint rename failed: %w", err)
	}

	// 旧的文件句柄指向已被 rename 顶掉的 inode，重新打开
	old := w.file
	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("wal reopen after checkpoint failed: %w", err)
	}
	old.Close()
	w.file = f
	w.entries = keep
	w.confirmed = make(map[uint64]struct{})
	// 序列号不归零：单调性跨 checkpoint 保持
	return nil
}

// Close 关闭日志文件 (幂等)
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
