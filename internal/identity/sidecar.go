package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// SidecarExt is appended to an item path to locate its metadata sidecar.
const SidecarExt = ".json"

// SidecarPath returns the sidecar location for an item.
func SidecarPath(itemPath string) string {
	return itemPath + SidecarExt
}

// IsSidecar reports whether path is the sidecar of an existing item.
func IsSidecar(path string) bool {
	if !strings.HasSuffix(strings.ToLower(path), SidecarExt) {
		return false
	}
	_, err := os.Stat(path[:len(path)-len(SidecarExt)])
	return err == nil
}

// ReadSidecar loads the flat key/value sidecar of an item. A missing sidecar
// returns ok=false without error. Nested values are skipped.
func ReadSidecar(itemPath string) (Header, bool, error) {
	data, err := os.ReadFile(SidecarPath(itemPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, false, fmt.Errorf("identity: decode sidecar %s: %w", SidecarPath(itemPath), err)
	}
	header := make(Header, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			header[key] = v
		case json.Number:
			header[key] = v.String()
		case bool:
			header[key] = fmt.Sprint(v)
		}
	}
	return header, true, nil
}
