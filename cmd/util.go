// Copyright © 2018 NAME HERE <EMAIL ADDRESS>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/time/rate"
)

// replayChunk is the largest piece of a file handed to the framer at once
const replayChunk = 4096

//
// Expanding file arguments
//

// expandFiles turns command line arguments into a list of files. Arguments may be
// shell style patterns and may start with ~/. Directories are searched only when
// recursive is set, and then only files whose base name matches pattern are kept.
func expandFiles(args []string, recursive bool, pattern string) ([]string, error) {
	var matcher glob.Glob
	if pattern != "" {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad file pattern %q: %w", pattern, err)
		}
		matcher = g
	}

	files := make([]string, 0, len(args))
	for _, basePattern := range args {
		pat := basePattern
		if strings.HasPrefix(pat, "~/") {
			usr, err := user.Current()
			if err != nil {
				return nil, err
			}
			pat = filepath.Join(usr.HomeDir, pat[2:])
		}
		matches, err := filepath.Glob(pat)
		if err != nil {
			return nil, fmt.Errorf("error expanding file pattern %s: %w", pat, err)
		}
		if len(matches) == 0 {
			logger.Warn().Str("pattern", basePattern).Msg("no files match")
			continue
		}

		for _, fname := range matches {
			info, err := os.Stat(fname)
			if err != nil {
				return nil, err
			}
			if !info.IsDir() {
				files = append(files, fname)
				continue
			}
			if !recursive {
				logger.Warn().Str("dir", fname).Msg("skipping directory, use --recursive to search it")
				continue
			}
			err = filepath.WalkDir(fname, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return nil
				}
				if matcher == nil || matcher.Match(d.Name()) {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return files, nil
}

//
// Replaying files
//

// replayFiles streams the contents of files to feed, limited to bps bits per second
// when bps is positive. It returns the number of bytes fed.
func replayFiles(ctx context.Context, files []string, bps int, feed func([]byte) error) (int64, error) {
	var limiter *rate.Limiter
	if bps > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(bps)/8), replayChunk)
	}

	var total int64
	buf := make([]byte, replayChunk)
	for _, fname := range files {
		n, err := replayFile(ctx, fname, buf, limiter, feed)
		total += n
		if err != nil {
			return total, fmt.Errorf("%w: filename=%s", err, fname)
		}
		logger.Debug().Str("file", fname).Int64("bytes", n).Msg("replayed")
	}
	return total, nil
}

func replayFile(ctx context.Context, fname string, buf []byte, limiter *rate.Limiter, feed func([]byte) error) (int64, error) {
	file, err := os.Open(fname)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var total int64
	for {
		n, err := file.Read(buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(ctx, n); werr != nil {
					return total, werr
				}
			} else if cerr := ctx.Err(); cerr != nil {
				return total, cerr
			}
			if ferr := feed(buf[:n]); ferr != nil {
				return total, ferr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
