/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package supervisor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/carverauto/blueberry/pkg/logger"
)

// CoreMarker is the substring every service executable name carries.
const CoreMarker = "bb_core"

const ownerExecute = 0o100

// Scan walks dirs and returns the service executables found, in walk order. A file named
// like a service but without the owner execute bit is logged and skipped. Missing
// directories are skipped.
func Scan(dirs []string, log logger.Logger) []string {
	var found []string

	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == dir {
					log.Debug().Str("dir", dir).Msg("Cores directory does not exist")

					return fs.SkipDir
				}

				log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable path")

				return nil
			}

			if d.IsDir() || !strings.Contains(d.Name(), CoreMarker) {
				return nil
			}

			info, err := os.Stat(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Skipping core candidate")

				return nil
			}

			if !info.Mode().IsRegular() {
				return nil
			}

			if info.Mode().Perm()&ownerExecute == 0 {
				log.Warn().Str("path", path).Msg("Core found but not executable by its owner")

				return nil
			}

			found = append(found, path)

			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Failed to scan cores directory")
		}
	}

	return found
}
