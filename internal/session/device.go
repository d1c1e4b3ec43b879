package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DeviceID supplies the stable participant id for this device.
type DeviceID interface {
	ID() (string, error)
}

type StaticDeviceID string

func (s StaticDeviceID) ID() (string, error) {
	if s == "" {
		return "", errors.New("empty device id")
	}
	return string(s), nil
}

// FileDeviceID reads the id from Path, generating and storing a UUID the
// first time. The result is cached for the life of the process.
type FileDeviceID struct {
	Path string

	once sync.Once
	id   string
	err  error
}

func (f *FileDeviceID) ID() (string, error) {
	f.once.Do(func() {
		f.id, f.err = f.load()
	})
	return f.id, f.err
}

func (f *FileDeviceID) load() (string, error) {
	if b, err := os.ReadFile(f.Path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(b))); err == nil {
			return id.String(), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return "", fmt.Errorf("create device id dir: %w", err)
	}
	if err := os.WriteFile(f.Path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}
