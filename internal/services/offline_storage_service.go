package services

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/coursesync/server/internal/models"
)

// OfflineStorageService keeps downloaded course files on disk under
// <base>/<session>/Offline/course-<id>/files/<fileId>/<name>
type OfflineStorageService struct {
	basePath string
}

// NewOfflineStorageService creates the offline root for a session
func NewOfflineStorageService(basePath, sessionID string) (*OfflineStorageService, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	absPath, err := filepath.Abs(filepath.Join(basePath, sanitizeFilename(sessionID), "Offline"))
	if err != nil {
		return nil, err
	}

	// Ensure directory exists
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, err
	}

	return &OfflineStorageService{basePath: absPath}, nil
}

// BasePath is the absolute offline root
func (s *OfflineStorageService) BasePath() string {
	return s.basePath
}

// StoreFile writes a course file, replacing any previous copy, and returns
// the stored path relative to the offline root. The file only appears
// once fully written.
func (s *OfflineStorageService) StoreFile(reader io.Reader, courseID, fileID, filename string) (string, error) {
	if strings.TrimSpace(courseID) == "" {
		return "", models.ErrEmptyCourseID
	}
	name := sanitizeFilename(filename)
	if name == "" || name == "." {
		return "", models.ErrEmptyFilename
	}

	relativeFolderPath := filepath.Join(courseFolder(courseID), "files", sanitizeFilename(fileID))
	absoluteFolderPath, err := s.resolve(relativeFolderPath)
	if err != nil {
		return "", err
	}

	// A file id owns its folder, so a renamed file replaces the old name
	if err := os.RemoveAll(absoluteFolderPath); err != nil {
		return "", err
	}
	if err := os.MkdirAll(absoluteFolderPath, 0755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(absoluteFolderPath, ".download-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	relativeFilePath := filepath.Join(relativeFolderPath, name)
	if err := os.Rename(tmp.Name(), filepath.Join(s.basePath, relativeFilePath)); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	// Return path with forward slashes for consistency
	return filepath.ToSlash(relativeFilePath), nil
}

// RemoveFile deletes a downloaded file of a course
func (s *OfflineStorageService) RemoveFile(courseID, fileID string) error {
	path, err := s.resolve(filepath.Join(courseFolder(courseID), "files", sanitizeFilename(fileID)))
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// RemoveCourseFiles deletes every downloaded file of a course
func (s *OfflineStorageService) RemoveCourseFiles(courseID string) error {
	path, err := s.resolve(filepath.Join(courseFolder(courseID), "files"))
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// RemoveCourse deletes all offline data of a course
func (s *OfflineStorageService) RemoveCourse(courseID string) error {
	path, err := s.resolve(courseFolder(courseID))
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// RemoveUnavailableFiles deletes downloaded files of a course whose id is
// not in keep
func (s *OfflineStorageService) RemoveUnavailableFiles(courseID string, keep []string) error {
	ids, err := s.ListFileIDs(courseID)
	if err != nil {
		return err
	}

	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[sanitizeFilename(id)] = true
	}

	for _, id := range ids {
		if keepSet[id] {
			continue
		}
		if err := s.RemoveFile(courseID, id); err != nil {
			return err
		}
	}
	return nil
}

// ListFileIDs returns the ids of the files downloaded for a course
func (s *OfflineStorageService) ListFileIDs(courseID string) ([]string, error) {
	path, err := s.resolve(filepath.Join(courseFolder(courseID), "files"))
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Delete removes a file by its stored path
func (s *OfflineStorageService) Delete(storedPath string) bool {
	if strings.TrimSpace(storedPath) == "" {
		return false
	}

	fullPath, err := s.GetFullPath(storedPath)
	if err != nil {
		return false
	}

	if err := os.Remove(fullPath); err != nil {
		return false
	}

	return true
}

// GetFullPath returns the absolute path for a stored path
func (s *OfflineStorageService) GetFullPath(storedPath string) (string, error) {
	if strings.TrimSpace(storedPath) == "" {
		return "", fmt.Errorf("stored path cannot be empty")
	}
	return s.resolve(filepath.FromSlash(storedPath))
}

// Exists checks if a file exists at the given stored path
func (s *OfflineStorageService) Exists(storedPath string) bool {
	fullPath, err := s.GetFullPath(storedPath)
	if err != nil {
		return false
	}

	_, err = os.Stat(fullPath)
	return err == nil
}

// resolve joins a relative path onto the root and rejects escapes
func (s *OfflineStorageService) resolve(relativePath string) (string, error) {
	absPath, err := filepath.Abs(filepath.Join(s.basePath, relativePath))
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(s.basePath, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", models.ErrPathTraversal
	}

	return absPath, nil
}

func courseFolder(courseID string) string {
	return "course-" + sanitizeFilename(courseID)
}

// sanitizeFilename removes path components and invalid characters
func sanitizeFilename(filename string) string {
	// Get just the filename
	name := filepath.Base(filepath.ToSlash(strings.ReplaceAll(filename, "\\", "/")))
	if name == "/" {
		return ""
	}

	// Replace dangerous characters
	replacer := strings.NewReplacer(
		"..", "",
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	name = replacer.Replace(name)

	// Limit length
	const maxLength = 200
	if len(name) > maxLength {
		ext := filepath.Ext(name)
		nameWithoutExt := strings.TrimSuffix(name, ext)
		if len(nameWithoutExt) > maxLength-len(ext) {
			nameWithoutExt = nameWithoutExt[:maxLength-len(ext)]
		}
		name = nameWithoutExt + ext
	}

	return name
}
