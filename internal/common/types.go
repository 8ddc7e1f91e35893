package common

import (
	"errors"
)

// File format magic numbers (little-endian)
const (
	MagicContainer uint32 = 0x58444945 // "EIDX" in little-endian
	MagicFrame     uint32 = 0x4D4D4F43 // "COMM" in little-endian
)

// File format versions
const (
	VersionContainer uint16 = 0x0100
	VersionFrame     uint16 = 0x0100
)

// Size limits
const (
	HeaderSize      = 64      // Container header is a fixed 64 bytes
	HeaderAlignment = 64      // Datasets aligned to 64 bytes
	MaxFrameSize    = 1 << 30 // 1GB max wire frame
	MaxColumns      = 2
)

// Default configuration values
const (
	DefaultGroup         = "data"
	DefaultReadBatchRows = 1 << 20
	DefaultMailboxDepth  = 64
)

// Dataset and group names inside a container.
const (
	DatasetSourceNodeID  = "source_node_id"
	DatasetTargetNodeID  = "target_node_id"
	GroupIndices         = "indices"
	IndexSourceToTarget  = "source_to_target"
	IndexTargetToSource  = "target_to_source"
	DatasetNodeToRanges  = "node_id_to_ranges"
	DatasetRangeToEdgeID = "range_to_edge_id"
)

// Common errors
var (
	ErrClosed             = errors.New("container is closed")
	ErrCorrupt            = errors.New("data corruption detected")
	ErrUnsupportedVersion = errors.New("unsupported file version")
	ErrCanceled           = errors.New("operation canceled")
	ErrInvalidMagic       = errors.New("invalid file magic number")
	ErrCRCMismatch        = errors.New("CRC checksum mismatch")
	ErrInvalidOffset      = errors.New("invalid file offset")
	ErrDatasetNotFound    = errors.New("dataset not found")
	ErrDatasetExists      = errors.New("dataset already exists")
	ErrIncomplete         = errors.New("dataset was not completely written")
	ErrChecksumMismatch   = errors.New("BLAKE3 checksum mismatch")
	ErrShapeMismatch      = errors.New("dataset shape mismatch")
	ErrRowCount           = errors.New("rows written do not match dataset size")

	// Process group errors
	ErrGroupClosed        = errors.New("process group is closed")
	ErrAborted            = errors.New("collective operation aborted")
	ErrDisconnected       = errors.New("peer disconnected")
	ErrCollectiveMismatch = errors.New("ranks issued different collective operations")
	ErrInvalidRank        = errors.New("invalid rank")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
)

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel maps a level name to a LogLevel. Unknown names map to info.
func ParseLogLevel(name string) LogLevel {
	switch name {
	case "debug", "DEBUG":
		return LogLevelDebug
	case "warn", "WARN", "warning":
		return LogLevelWarn
	case "error", "ERROR":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}
