// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/evolve/services/evolve/compiler"
	"github.com/AleutianAI/evolve/services/evolve/content"
)

// FileSink writes committed source back to the file each unit came from.
//
// Units without a path are written to Dir as <Name>.yaml when Dir is set
// and skipped otherwise. Every file is replaced atomically through a
// temporary file in the same directory.
type FileSink struct {
	Dir string
}

// Persist implements Sink.
func (s FileSink) Persist(ctx context.Context, units []compiler.SourceUnit) error {
	var errs []error
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := u.Path
		if path == "" {
			if s.Dir == "" {
				continue
			}
			path = filepath.Join(s.Dir, u.Name+content.SourceExt)
		}
		if err := writeFileAtomic(path, []byte(u.Text)); err != nil {
			errs = append(errs, fmt.Errorf("persisting %s: %w", u.Name, err))
		}
	}
	return errors.Join(errs...)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".evolve-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
