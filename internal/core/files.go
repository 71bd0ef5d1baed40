package core

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/storage"
)

// basePriority orders the members of an archive that can be a base file.
var basePriority = []string{".shp", ".gpkg", "tileset.json", ".geojson", ".kml", ".csv", ".tif", ".tiff", ".json"}

// sidecarKeys maps shapefile sibling extensions to form keys.
var sidecarKeys = map[string]string{
	".dbf": FileDBF,
	".shx": FileSHX,
	".prj": FilePRJ,
	".cpg": FileCPG,
	".xml": FileXML,
	".sld": FileSLD,
}

// ExpandArchives replaces a zipped upload with its members. The archive is
// either zip_file or a base_file with an archive extension. The returned set
// keeps zip_file pointing at the archive so it is stored with the dataset.
func ExpandArchives(files FileSet, dir string) (FileSet, error) {
	archive := files[FileZip]
	if archive == "" && isArchive(files.Base()) {
		archive = files.Base()
	}
	if archive == "" {
		return files, nil
	}

	members, err := storage.Unpack(archive, filepath.Join(dir, "unpacked"))
	if err != nil {
		return nil, Invalid(FamilyUpload, "cannot read archive %s: %v", filepath.Base(archive), err)
	}
	base := pickBase(members)
	if base == "" {
		return nil, Invalid(FamilyUpload, "archive %s contains no supported dataset", filepath.Base(archive))
	}

	out := FileSet{FileBase: base, FileZip: archive}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	for _, m := range members {
		if strings.TrimSuffix(m, filepath.Ext(m)) != stem || m == base {
			continue
		}
		if key, ok := sidecarKeys[strings.ToLower(filepath.Ext(m))]; ok {
			out[key] = m
		}
	}
	// explicit form files win over archive members
	for k, p := range files {
		if k != FileBase && k != FileZip {
			out[k] = p
		}
	}
	return out, nil
}

func isArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".zip", ".tar.gz", ".tgz", ".tar"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// pickBase returns the shallowest member of the highest priority kind.
func pickBase(members []string) string {
	for _, want := range basePriority {
		best := ""
		for _, m := range members {
			name := strings.ToLower(filepath.Base(m))
			if name != want && !(strings.HasPrefix(want, ".") && filepath.Ext(name) == want) {
				continue
			}
			if best == "" || depth(m) < depth(best) {
				best = m
			}
		}
		if best != "" {
			return best
		}
	}
	return ""
}

func depth(p string) int {
	return strings.Count(filepath.ToSlash(p), "/")
}

// storageKeys assigns a storage key to every file of an execution. All files
// share one directory so shapefile siblings stay next to each other.
func storageKeys(execID string, files FileSet) (map[string]string, error) {
	keys := make(map[string]string, len(files))
	owner := make(map[string]string, len(files))
	for _, k := range files.Keys() {
		name := filepath.Base(files[k])
		if prev, dup := owner[name]; dup {
			return nil, Invalid(FamilyUpload, "%s and %s share the file name %s", prev, k, name)
		}
		owner[name] = k
		keys[k] = storage.Key(execID, name)
	}
	return keys, nil
}

// persistFiles uploads files under keys. On failure everything stored so
// far is removed.
func (s *Service) persistFiles(ctx context.Context, execID string, files FileSet, keys map[string]string) error {
	for k, key := range keys {
		if err := s.files.PutFile(ctx, key, files[k]); err != nil {
			s.files.DeletePrefix(context.WithoutCancel(ctx), execID)
			return fmt.Errorf("store %s: %w", k, err)
		}
	}
	return nil
}

// materialize fetches the stored files of exec into the worker directory.
// Files already present from an earlier step are reused.
func (s *Service) materialize(ctx context.Context, exec *ExecutionRequest) (FileSet, error) {
	keys := exec.Files()
	if len(keys) == 0 {
		return FileSet{}, nil
	}
	dir := s.execDir(exec.ExecID)
	out := make(FileSet, len(keys))
	for k, key := range keys {
		dst := filepath.Join(dir, path.Base(key))
		if _, err := os.Stat(dst); err == nil {
			out[k] = dst
			continue
		}
		if err := s.files.GetFile(ctx, key, dst); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", key, err)
		}
		out[k] = dst
	}
	return out, nil
}

func (s *Service) execDir(execID string) string {
	return filepath.Join(s.workDir, "exec", execID)
}
