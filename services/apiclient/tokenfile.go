package apiclient

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/trezcool/academia/core/session"
)

// TokenFile persists the current session between runs.
// A TokenFile with an empty path keeps nothing.
type TokenFile struct {
	path string
}

func NewTokenFile(path string) *TokenFile {
	return &TokenFile{path: path}
}

func (f *TokenFile) Path() string { return f.path }

// Load returns the persisted session, nil if there is none.
func (f *TokenFile) Load() (*session.Session, error) {
	if f == nil || f.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading token file")
	}

	var sess session.Session
	if err = json.Unmarshal(data, &sess); err != nil {
		return nil, errors.Wrapf(err, "decoding token file %s", f.path)
	}
	if sess.Token == "" {
		return nil, nil
	}
	return &sess, nil
}

// Save replaces the persisted session. The file is only readable by its owner.
func (f *TokenFile) Save(sess session.Session) error {
	if f == nil || f.path == "" {
		return nil
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "encoding session")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return errors.Wrap(err, "creating token file")
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if err = tmp.Chmod(0o600); err == nil {
		_, err = tmp.Write(data)
	}
	if cErr := tmp.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		return errors.Wrap(err, "writing token file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), f.path), "writing token file")
}

func (f *TokenFile) Clear() error {
	if f == nil || f.path == "" {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing token file")
	}
	return nil
}
