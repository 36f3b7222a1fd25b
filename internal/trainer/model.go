package trainer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Save writes the canonical model to modelPath and a two-space indented
// copy to prettyPath. Both files are replaced atomically, never appended.
func Save(model []byte, modelPath, prettyPath string) error {
	if err := writeAtomic(modelPath, model); err != nil {
		return err
	}
	if prettyPath == "" {
		return nil
	}
	pretty, err := Pretty(model)
	if err != nil {
		return err
	}
	return writeAtomic(prettyPath, pretty)
}

// Pretty round-trips model through a generic value and re-encodes it with
// two-space indentation. Numbers keep their original text.
func Pretty(model []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(model))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding model: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding model: %w", err)
	}
	return buf.Bytes(), nil
}

// writeAtomic writes data to a .tmp sibling and renames it over path.
func writeAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating model directory: %w", err)
		}
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp model file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing model: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing model file: %w", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming model file: %w", err)
	}
	return nil
}
