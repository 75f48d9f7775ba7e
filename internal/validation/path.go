package validation

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SourceExtensions are the file types a component source is expected in.
var SourceExtensions = []string{".js", ".jsx", ".mjs", ".ts", ".tsx"}

// ValidateSourcePath checks the path of the component source file. The file
// is written back on undo and redo, so device and kernel trees are refused.
func ValidateSourcePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains a NUL byte")
	}

	clean := filepath.ToSlash(filepath.Clean(path))
	for _, restricted := range []string{"/proc/", "/sys/", "/dev/"} {
		if strings.HasPrefix(clean+"/", restricted) {
			return fmt.Errorf("path is inside %s", strings.TrimSuffix(restricted, "/"))
		}
	}
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(filepath.Separator)) {
		return fmt.Errorf("path names a directory")
	}
	return nil
}

// ValidateFileExtension reports an error when filename does not end in one
// of allowed. The comparison ignores case.
func ValidateFileExtension(filename string, allowed []string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return fmt.Errorf("file has no extension")
	}
	for _, a := range allowed {
		if ext == strings.ToLower(a) {
			return nil
		}
	}
	return fmt.Errorf("extension %s is not one of %s", ext, strings.Join(allowed, ", "))
}
