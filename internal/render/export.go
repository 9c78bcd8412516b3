package render

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	MarkdownFile = "board.md"
	YAMLFile     = "state.yaml"
)

// YAML exports f with every record in full.
func YAML(f Frame) ([]byte, error) {
	data, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// WriteDir writes the markdown page and the YAML export into dir, replacing
// each file atomically so readers never see a partial write.
func WriteDir(dir string, f Frame) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := YAML(f)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, YAMLFile), data, 0o644); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, MarkdownFile), []byte(Markdown(f)), 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
