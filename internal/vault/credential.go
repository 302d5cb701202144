package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

type Origin string

const (
	// OriginUploaded is a credential sent along with a scan request.
	OriginUploaded Origin = "uploaded"
	// OriginReferenced is a credential taken from the vault by its id.
	OriginReferenced Origin = "referenced"
	// OriginEnvironment is a credential file configured for the process.
	// It is never deleted.
	OriginEnvironment Origin = "environment"
)

// Credential is a handle to a credential file. The file of a non
// environment credential is deleted by the first Release.
type Credential struct {
	ID     string
	Path   string
	Origin Origin

	once sync.Once
	err  error
}

// Environment wraps a configured key file. The file must exist.
func Environment(path string) (*Credential, error) {
	if path == "" {
		return nil, errors.New("empty credential path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("credential file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("credential file %s: not a regular file", path)
	}
	return &Credential{ID: "environment", Path: path, Origin: OriginEnvironment}, nil
}

// Read returns the credential content.
func (c *Credential) Read() ([]byte, error) {
	b, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("reading credential %s: %w", c.ID, err)
	}
	return b, nil
}

// Release deletes the credential file. It is safe to call more than once
// and from several goroutines; only the first call has an effect.
func (c *Credential) Release() error {
	if c == nil || c.Origin == OriginEnvironment {
		return nil
	}
	c.once.Do(func() {
		err := os.Remove(c.Path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.err = fmt.Errorf("deleting credential %s: %w", c.ID, err)
		}
	})
	return c.err
}
