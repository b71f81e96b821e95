package core

import (
	"bytes"
	"unicode/utf8"
)

// FileType 按内容分类文件，用于两件事：
//  1. 自适应分块参数（文本块小、视频块大）
//  2. 已压缩格式跳过再压缩
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeText
	FileTypeImage
	FileTypeAudio
	FileTypeVideo
	FileTypeArchive
	FileTypeBinary
)

func (t FileType) String() string {
	switch t {
	case FileTypeText:
		return "text"
	case FileTypeImage:
		return "image"
	case FileTypeAudio:
		return "audio"
	case FileTypeVideo:
		return "video"
	case FileTypeArchive:
		return "archive"
	case FileTypeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// magic 表：前缀 -> 类型
// 顺序重要：先检查长前缀（RIFF 家族要看第 8 字节之后）
var magicPrefixes = []struct {
	prefix []byte
	ftype  FileType
}{
	{[]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, FileTypeImage}, // PNG
	{[]byte{0xFF, 0xD8, 0xFF}, FileTypeImage},                            // JPEG
	{[]byte("GIF87a"), FileTypeImage},                                    // GIF
	{[]byte("GIF89a"), FileTypeImage},                                    // GIF
	{[]byte{'P', 'K', 0x03, 0x04}, FileTypeArchive},                      // ZIP
	{[]byte{0x1F, 0x8B}, FileTypeArchive},                                // GZIP
	{[]byte("BZh"), FileTypeArchive},                                     // BZIP2
	{[]byte{0xFD, '7', 'z', 'X', 'Z', 0x00}, FileTypeArchive},            // XZ
	{[]byte("Rar!"), FileTypeArchive},                                    // RAR
	{[]byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}, FileTypeArchive},          // 7Z
	{[]byte{0xFF, 0xFB}, FileTypeAudio},                                  // MP3 (无 ID3)
	{[]byte("ID3"), FileTypeAudio},                                       // MP3 (带 ID3)
	{[]byte("fLaC"), FileTypeAudio},                                      // FLAC
	{[]byte("OggS"), FileTypeAudio},                                      // OGG
}

// DetectFileType 根据内容判断类型
// 检测失败不报错，只是回退到 Unknown，上层用默认分块参数
func DetectFileType(data []byte) FileType {
	if len(data) == 0 {
		return FileTypeUnknown
	}

	// 1. 魔数匹配
	for _, m := range magicPrefixes {
		if bytes.HasPrefix(data, m.prefix) {
			return m.ftype
		}
	}

	// 2. RIFF 容器：WEBP / WAV / AVI 共用 "RIFF....xxxx" 结构
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) {
		switch string(data[8:12]) {
		case "WEBP":
			return FileTypeImage
		case "WAVE":
			return FileTypeAudio
		case "AVI ":
			return FileTypeVideo
		}
	}

	// 3. MP4 家族："....ftyp" 在偏移 4
	if len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")) {
		return FileTypeVideo
	}

	// 4. 文本启发式
	if isLikelyText(data) {
		return FileTypeText
	}

	return FileTypeBinary
}

// isLikelyText 检查采样窗口是否像文本：
// 可打印字符 > 90%，控制字符 < 5%，且是合法 UTF-8
func isLikelyText(data []byte) bool {
	sample := data
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	if !utf8.Valid(sample) {
		return false
	}

	printable, control := 0, 0
	for _, b := range sample {
		switch {
		case b == '\n' || b == '\r' || b == '\t':
			printable++
		case b < 0x20 || b == 0x7F:
			control++
		default:
			printable++
		}
	}
	total := len(sample)
	return printable*100 > total*90 && control*100 < total*5
}

// IsCompressed 返回该类型是否已经是压缩格式
// 这些类型再压缩只会浪费 CPU，存储层直接原样落盘
func (t FileType) IsCompressed() bool {
	switch t {
	case FileTypeArchive, FileTypeImage, FileTypeVideo, FileTypeAudio:
		return true
	default:
		return false
	}
}

// RecommendedChunkSizes 返回该类型的 (min, avg, max) 分块参数
// 文本改动局部性好，用小块换高去重率；媒体文件块大减少元数据开销
func (t FileType) RecommendedChunkSizes() (minSize, avgSize, maxSize int) {
	switch t {
	case FileTypeText:
		return 2 * 1024, 4 * 1024, 8 * 1024
	case FileTypeImage, FileTypeAudio:
		return 16 * 1024, 32 * 1024, 64 * 1024
	case FileTypeVideo, FileTypeArchive:
		return 32 * 1024, 64 * 1024, 128 * 1024
	default:
		return 4 * 1024, 16 * 1024, 64 * 1024
	}
}
