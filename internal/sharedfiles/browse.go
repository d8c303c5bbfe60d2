package sharedfiles

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Directory is one directory in the browse tree: its name plus every file
// directly inside it. Directories with no files still appear, with a nil
// Files slice — the peer protocol needs the full tree shape even for
// empty directories.
type Directory struct {
	Name  string
	Files []FileRecord
}

// Browse returns every directory in the index, or every directory under
// sharePrefix if non-empty, with files grouped into their parent
// directory.
func (c *Cache) Browse(ctx context.Context, sharePrefix string) ([]Directory, error) {
	live := c.live()

	dirQuery := `SELECT name FROM directories`
	var dirArgs []any
	if sharePrefix != "" {
		dirQuery += ` WHERE name LIKE ? || '%'`
		dirArgs = append(dirArgs, sharePrefix)
	}
	dirRows, err := live.db.QueryContext(ctx, dirQuery, dirArgs...)
	if err != nil {
		return nil, fmt.Errorf("browse directories: %w", err)
	}
	var names []string
	for dirRows.Next() {
		var name string
		if err := dirRows.Scan(&name); err != nil {
			dirRows.Close()
			return nil, fmt.Errorf("scan directory name: %w", err)
		}
		names = append(names, name)
	}
	dirRows.Close()
	if err := dirRows.Err(); err != nil {
		return nil, err
	}

	byDir := map[string][]FileRecord{}
	fileQuery := `SELECT maskedFilename, originalFilename, host, size, touchedAt, code, extension, attributeJson, timestamp FROM files`
	if sharePrefix != "" {
		fileQuery += ` WHERE maskedFilename LIKE ? || '%'`
	}
	fileRows, err := live.db.QueryContext(ctx, fileQuery, dirArgs...)
	if err != nil {
		return nil, fmt.Errorf("browse files: %w", err)
	}
	defer fileRows.Close()
	for fileRows.Next() {
		fr, _, err := scanFileRecord(fileRows)
		if err != nil {
			return nil, err
		}
		dir := parentDirectory(fr.MaskedFilename)
		byDir[dir] = append(byDir[dir], fr)
	}
	if err := fileRows.Err(); err != nil {
		return nil, err
	}

	out := make([]Directory, 0, len(names))
	for _, name := range names {
		files := byDir[name]
		sort.Slice(files, func(i, j int) bool { return files[i].MaskedFilename < files[j].MaskedFilename })
		out = append(out, Directory{Name: name, Files: files})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// List returns the single directory entry for name, including its files.
func (c *Cache) List(ctx context.Context, name string) (Directory, bool, error) {
	dirs, err := c.Browse(ctx, "")
	if err != nil {
		return Directory{}, false, err
	}
	for _, d := range dirs {
		if d.Name == name {
			return d, true, nil
		}
	}
	return Directory{}, false, nil
}

// CountFiles returns the number of indexed files, optionally scoped to a
// share's remote-path prefix.
func (c *Cache) CountFiles(ctx context.Context, sharePrefix string) (int, error) {
	return c.live().countFiles(ctx, sharePrefix)
}

// CountDirectories returns the number of indexed directories, optionally
// scoped to a share's remote-path prefix.
func (c *Cache) CountDirectories(ctx context.Context, sharePrefix string) (int, error) {
	return c.live().countDirectories(ctx, sharePrefix)
}

func parentDirectory(maskedFilename string) string {
	idx := strings.LastIndexByte(maskedFilename, '\\')
	if idx < 0 {
		idx = strings.LastIndexByte(maskedFilename, '/')
	}
	if idx < 0 {
		return ""
	}
	return maskedFilename[:idx]
}
