// Package sharedfiles owns the authoritative index mapping masked
// (remote-visible) filenames to local or agent-resolved physical paths,
// plus a full-text search index over those names. It is rebuilt by
// scanning the configured shares and is the first stop on every upload
// admission.
package sharedfiles

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Share is one root of the filesystem index. Host is the empty string for
// a share scanned from the local filesystem, or the remote agent's name
// for a share whose files must be opened through the relay. Every masked
// filename under this share is built by substituting LocalPath with
// RemotePath (or, if set, Alias in place of RemotePath — aliases exist so
// two shares whose remote paths would otherwise collide can still produce
// unique masked names). Remote paths (after alias substitution) must be
// unique across non-excluded shares.
type Share struct {
	ID         uuid.UUID
	LocalPath  string
	RemotePath string
	Alias      string
	Host       string
	Excluded   bool
}

// FileRecord is one row of the files table: a masked filename and
// everything the daemon knows about the underlying physical file. Host
// mirrors the owning Share's Host, so Resolve can report it without a
// second lookup.
type FileRecord struct {
	MaskedFilename   string
	OriginalFilename string
	Host             string
	Size             int64
	TouchedAt        time.Time
	Code             int
	Extension        string
	Attributes       []int32
	ScanEpoch        int64 // milliseconds since Unix epoch, stamped by the scan that wrote this row
}

// DirectoryRecord is one row of the directories table.
type DirectoryRecord struct {
	Name      string
	ScanEpoch int64
}

// Filters are user-supplied regular expressions applied during a scan.
// DirectoryFilters test full directory paths; FileFilters test individual
// file paths within a directory already accepted by DirectoryFilters.
type Filters struct {
	DirectoryFilters []*regexp.Regexp
	FileFilters      []*regexp.Regexp
}

func (f Filters) directoryExcluded(path string) bool {
	for _, re := range f.DirectoryFilters {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (f Filters) fileExcluded(path string) bool {
	for _, re := range f.FileFilters {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
