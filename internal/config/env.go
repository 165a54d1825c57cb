package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

// LoadEnv reads .env files into the process environment. Missing files are
// ignored; variables already set win.
func LoadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
